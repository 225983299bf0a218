package command

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/cli/output"
	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage"
)

type manifestRow struct {
	Cell     string  `json:"cell" yaml:"cell"`
	Key      uint64  `json:"key" yaml:"key"`
	URI      string  `json:"original_uri" yaml:"original_uri" table:"uri"`
	Size     int64   `json:"size" yaml:"size"`
	Duration float64 `json:"duration" yaml:"duration" table:"duration,wide"`
	Segments int     `json:"segments" yaml:"segments"`
	Expires  string  `json:"expires" yaml:"expires"`
}

// manifestDoc is a full manifest tagged with its key.
type manifestDoc struct {
	Key             uint64 `json:"key" yaml:"key"`
	domain.Manifest `yaml:",inline"`
}

func newManifestRow(cell string, key uint64, m *domain.Manifest) manifestRow {
	return manifestRow{
		Cell:     cell,
		Key:      key,
		URI:      m.OriginalURI,
		Size:     m.Size,
		Duration: m.Duration,
		Segments: len(m.SegmentKeys()),
		Expires:  formatExpiration(m),
	}
}

func formatExpiration(m *domain.Manifest) string {
	if m.Expiration == domain.NoExpiration {
		return "never"
	}
	return m.ExpiresAtTime().UTC().Format(time.RFC3339)
}

// parseExpiration accepts "never", Unix milliseconds, an RFC 3339 time or
// a duration from now written as "+72h".
func parseExpiration(s string, now time.Time) (int64, error) {
	switch {
	case s == "never":
		return domain.NoExpiration, nil
	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s[1:])
		if err != nil || d < 0 {
			return 0, domain.ErrInvalidArgument.Errorf("invalid expiration %q", s)
		}
		return now.Add(d).UnixMilli(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= 0 {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, domain.ErrInvalidArgument.Errorf("invalid expiration %q", s)
	}
	return t.UnixMilli(), nil
}

// ManifestsCommand returns the manifests subcommand group.
func ManifestsCommand() *cli.Command {
	return &cli.Command{
		Name:    "manifests",
		Aliases: []string{"m"},
		Usage:   "manage stored manifests",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list manifests of one cell or of all cells",
				Flags:  []cli.Flag{cellFlag()},
				Action: listManifests,
			},
			{
				Name:      "get",
				Usage:     "show manifests",
				ArgsUsage: "KEY...",
				Flags:     []cli.Flag{cellFlag()},
				Action:    getManifests,
			},
			{
				Name:      "add",
				Usage:     "store manifests read from JSON files (- for stdin)",
				ArgsUsage: "FILE...",
				Flags:     []cli.Flag{cellFlag()},
				Action:    addManifests,
			},
			{
				Name:      "expire",
				Usage:     "change the expiration of a manifest",
				ArgsUsage: "KEY never|MILLIS|RFC3339|+DURATION",
				Flags:     []cli.Flag{cellFlag()},
				Action:    expireManifest,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "remove manifests",
				ArgsUsage: "KEY...",
				Flags: []cli.Flag{
					cellFlag(),
					&cli.BoolFlag{
						Name:  "segments",
						Usage: "also remove the segments the manifests reference",
					},
				},
				Action: removeManifests,
			},
		},
	}
}

func listManifests(c *cli.Context) error {
	return withMuxer(c, func(x *storage.Muxer) error {
		names := sortedCells(x)
		if q := c.String("cell"); q != "" {
			if _, ok := x.Cell(q); !ok {
				return domain.ErrInvalidArgument.Errorf("unknown cell %q", q)
			}
			names = []string{q}
		}

		cells := x.Cells()
		rows := []manifestRow{}
		for _, q := range names {
			all, err := cells[q].GetAllManifests(c.Context)
			if err != nil {
				return err
			}
			keys := make([]uint64, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				rows = append(rows, newManifestRow(q, k, all[k]))
			}
		}
		return render(c, rows)
	})
}

func getManifests(c *cli.Context) error {
	keys, err := parseKeys(c.Args())
	if err != nil {
		return err
	}
	return withMuxer(c, func(x *storage.Muxer) error {
		q, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}
		ms, err := cell.GetManifests(c.Context, keys)
		if err != nil {
			return err
		}

		if output.Format(c.String("output")) == output.FormatTable {
			rows := make([]manifestRow, len(ms))
			for i, m := range ms {
				rows[i] = newManifestRow(q, keys[i], m)
			}
			return render(c, rows)
		}
		docs := make([]manifestDoc, len(ms))
		for i, m := range ms {
			docs[i] = manifestDoc{Key: keys[i], Manifest: *m}
		}
		return render(c, docs)
	})
}

type addedRow struct {
	Key    uint64 `json:"key" yaml:"key"`
	Source string `json:"source" yaml:"source"`
	Bytes  int    `json:"bytes,omitempty" yaml:"bytes,omitempty"`
}

func readSource(c *cli.Context, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(c.App.Reader)
	}
	return os.ReadFile(name)
}

func addManifests(c *cli.Context) error {
	if c.NArg() == 0 {
		return domain.ErrInvalidArgument.WithDetails("at least one file is required")
	}
	ms := make([]*domain.Manifest, 0, c.NArg())
	for _, name := range c.Args().Slice() {
		data, err := readSource(c, name)
		if err != nil {
			return err
		}
		// Fields left out of the file keep NewManifest's defaults, so
		// an omitted expiration means never.
		m := domain.NewManifest("")
		if err := json.Unmarshal(data, m); err != nil {
			return domain.ErrInvalidArgument.Errorf("%s: %v", name, err)
		}
		ms = append(ms, m)
	}

	return withMuxer(c, func(x *storage.Muxer) error {
		_, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}
		keys, err := cell.AddManifests(c.Context, ms)
		if err != nil {
			return err
		}
		rows := make([]addedRow, len(keys))
		for i, k := range keys {
			rows[i] = addedRow{Key: k, Source: c.Args().Get(i)}
		}
		return render(c, rows)
	})
}

func expireManifest(c *cli.Context) error {
	if c.NArg() != 2 {
		return domain.ErrInvalidArgument.WithDetails("usage: expire KEY EXPIRATION")
	}
	key, err := parseKey(c.Args().First())
	if err != nil {
		return err
	}
	exp, err := parseExpiration(c.Args().Get(1), time.Now())
	if err != nil {
		return err
	}

	return withMuxer(c, func(x *storage.Muxer) error {
		_, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}
		return cell.UpdateManifestExpiration(c.Context, key, exp)
	})
}

func removeManifests(c *cli.Context) error {
	keys, err := parseKeys(c.Args())
	if err != nil {
		return err
	}
	return withMuxer(c, func(x *storage.Muxer) error {
		_, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}

		if c.Bool("segments") {
			ms, err := cell.GetManifests(c.Context, keys)
			if err != nil {
				return err
			}
			var segs []uint64
			for _, m := range ms {
				segs = append(segs, m.SegmentKeys()...)
			}
			if len(segs) > 0 {
				err := cell.RemoveSegments(c.Context, segs, func(k uint64) {
					printf(c, "removed segment %d\n", k)
				})
				if err != nil {
					return err
				}
			}
		}

		return cell.RemoveManifests(c.Context, keys, func(k uint64) {
			printf(c, "removed manifest %d\n", k)
		})
	})
}
