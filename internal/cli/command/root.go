package command

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/cli/output"
	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/infra/buildinfo"
	"github.com/yndnr/offstore/internal/server/config"
	"github.com/yndnr/offstore/internal/storage"
	"github.com/yndnr/offstore/internal/telemetry/logger"
)

const invocationKey = "invocation"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:     "offstore",
		Usage:    "inspect and maintain offline content storage",
		Version:  buildinfo.String(),
		Flags:    globalFlags(),
		Metadata: map[string]any{},
		Commands: []*cli.Command{
			CellsCommand(),
			ManifestsCommand(),
			SegmentsCommand(),
			EraseCommand(),
			ConfigCommand(),
			ShellCommand(),
			VersionCommand(),
		},
		Before: func(c *cli.Context) error {
			_, err := output.ParseFormat(c.String("output"))
			return err
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file",
			EnvVars: []string{"OFFSTORE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "data-dir",
			Usage: "override storage.data_dir",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show more columns",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override log.level",
			Value: "warn",
		},
	}
}

// invocation holds what load produced for the running command.
type invocation struct {
	cfg    *config.Config
	logger *slog.Logger

	// muxer is set while a shell keeps the mechanisms open.
	muxer *storage.Muxer
}

// overrides maps global flags onto configuration keys.
func overrides(c *cli.Context) map[string]any {
	o := map[string]any{"log.level": c.String("log-level")}
	if dir := c.String("data-dir"); dir != "" {
		o["storage.data_dir"] = dir
	}
	return o
}

// load reads the configuration once per invocation.
func load(c *cli.Context) (*invocation, error) {
	if rt, ok := c.App.Metadata[invocationKey].(*invocation); ok {
		return rt, nil
	}

	cfg, err := config.Load(c.String("config"), overrides(c))
	if err != nil {
		return nil, err
	}
	lg, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: "text",
		Output: c.App.ErrWriter,
	})
	if err != nil {
		return nil, err
	}

	rt := &invocation{cfg: cfg, logger: lg}
	c.App.Metadata[invocationKey] = rt
	return rt, nil
}

// withMuxer initializes every eligible mechanism, runs fn and tears the
// mechanisms down again. Inside a shell fn runs on the shell's muxer.
func withMuxer(c *cli.Context, fn func(x *storage.Muxer) error) (err error) {
	rt, err := load(c)
	if err != nil {
		return err
	}
	if rt.muxer != nil {
		return fn(rt.muxer)
	}
	env, err := rt.cfg.Env(rt.logger, nil)
	if err != nil {
		return err
	}

	ctx := logger.WithLogger(c.Context, rt.logger)
	x := storage.NewMuxer(env, nil)
	if err := x.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if derr := x.Destroy(ctx); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(x)
}

// cellFlag selects a cell by qualified name. Without it commands use
// the writable cell.
func cellFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "cell",
		Usage: "qualified cell name (mechanism:cell)",
	}
}

func selectCell(c *cli.Context, x *storage.Muxer) (string, *storage.Cell, error) {
	q := c.String("cell")
	if q == "" {
		name, cell, ok := x.WritableCell()
		if !ok {
			return "", nil, domain.ErrNewKeyNotSupported.WithDetails("no cell accepts new keys")
		}
		return name, cell, nil
	}
	cell, ok := x.Cell(q)
	if !ok {
		return "", nil, domain.ErrInvalidArgument.Errorf("unknown cell %q", q)
	}
	return q, cell, nil
}

// sortedCells returns the qualified cell names in order.
func sortedCells(x *storage.Muxer) []string {
	cells := x.Cells()
	names := make([]string, 0, len(cells))
	for q := range cells {
		names = append(names, q)
	}
	slices.Sort(names)
	return names
}

func parseKeys(args cli.Args) ([]uint64, error) {
	if args.Len() == 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("at least one key is required")
	}
	keys := make([]uint64, 0, args.Len())
	for _, a := range args.Slice() {
		k, err := parseKey(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseKey(s string) (uint64, error) {
	k, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidArgument.Errorf("invalid key %q", s)
	}
	return k, nil
}

func render(c *cli.Context, data any) error {
	f, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	return output.NewFormatter(f, c.Bool("wide")).Format(c.App.Writer, data)
}

// VersionCommand prints build information.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "show build information",
		Action: func(c *cli.Context) error {
			return render(c, buildinfo.Get())
		},
	}
}

func printf(c *cli.Context, format string, args ...any) {
	fmt.Fprintf(c.App.Writer, format, args...)
}
