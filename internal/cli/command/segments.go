package command

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage"
)

// SegmentsCommand returns the segments subcommand group.
func SegmentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "segments",
		Aliases: []string{"s"},
		Usage:   "manage stored segments",
		Subcommands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "store files as segments (- for stdin)",
				ArgsUsage: "FILE...",
				Flags:     []cli.Flag{cellFlag()},
				Action:    putSegments,
			},
			{
				Name:      "get",
				Usage:     "write a segment to stdout or a file",
				ArgsUsage: "KEY",
				Flags: []cli.Flag{
					cellFlag(),
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"O"},
						Usage:   "destination file",
					},
				},
				Action: getSegment,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "remove segments",
				ArgsUsage: "KEY...",
				Flags:     []cli.Flag{cellFlag()},
				Action:    removeSegments,
			},
		},
	}
}

func putSegments(c *cli.Context) error {
	if c.NArg() == 0 {
		return domain.ErrInvalidArgument.WithDetails("at least one file is required")
	}
	values := make([][]byte, 0, c.NArg())
	for _, name := range c.Args().Slice() {
		data, err := readSource(c, name)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	return withMuxer(c, func(x *storage.Muxer) error {
		_, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}
		keys, err := cell.AddSegments(c.Context, values)
		if err != nil {
			return err
		}
		rows := make([]addedRow, len(keys))
		for i, k := range keys {
			rows[i] = addedRow{Key: k, Source: c.Args().Get(i), Bytes: len(values[i])}
		}
		return render(c, rows)
	})
}

func getSegment(c *cli.Context) error {
	if c.NArg() != 1 {
		return domain.ErrInvalidArgument.WithDetails("exactly one key is required")
	}
	key, err := parseKey(c.Args().First())
	if err != nil {
		return err
	}

	return withMuxer(c, func(x *storage.Muxer) error {
		_, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}
		values, err := cell.GetSegments(c.Context, []uint64{key})
		if err != nil {
			return err
		}
		if out := c.String("out"); out != "" {
			return os.WriteFile(out, values[0], 0o644)
		}
		_, err = c.App.Writer.Write(values[0])
		return err
	})
}

func removeSegments(c *cli.Context) error {
	keys, err := parseKeys(c.Args())
	if err != nil {
		return err
	}
	return withMuxer(c, func(x *storage.Muxer) error {
		_, cell, err := selectCell(c, x)
		if err != nil {
			return err
		}
		return cell.RemoveSegments(c.Context, keys, func(k uint64) {
			printf(c, "removed segment %d\n", k)
		})
	})
}
