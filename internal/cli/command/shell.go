package command

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/cli/repl"
	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage"
)

// ShellCommand runs commands interactively against one open muxer, so
// mechanisms are initialized once per session rather than per command.
func ShellCommand() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "run commands interactively on one storage session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "history",
				Usage: "history file, empty to disable",
				Value: repl.DefaultHistoryFile(),
			},
		},
		Action: runShell,
	}
}

func runShell(c *cli.Context) error {
	rt, err := load(c)
	if err != nil {
		return err
	}
	if rt.muxer != nil {
		return domain.ErrInvalidArgument.WithDetails("already in a shell")
	}

	return withMuxer(c, func(x *storage.Muxer) error {
		rt.muxer = x
		defer func() { rt.muxer = nil }()

		history := repl.NewHistory(c.String("history"), 0)
		if err := history.Load(); err != nil {
			rt.logger.Warn("history not loaded", "error", err)
		}

		r := repl.New(repl.Config{
			In:  c.App.Reader,
			Out: c.App.Writer,
			Exec: func(ctx context.Context, args []string) error {
				return runLine(ctx, c, args)
			},
			Completer: repl.NewCompleter(commandPaths(c.App.Commands, "")...),
			History:   history,
		})
		err := r.Run(c.Context)

		if serr := history.Save(); serr != nil {
			rt.logger.Warn("history not saved", "error", serr)
		}
		return err
	})
}

// runLine runs args as a fresh invocation that shares the shell's
// metadata, and with it the open muxer. The shell's output flags become
// the defaults of the invocation, so a line can still set its own.
func runLine(ctx context.Context, c *cli.Context, args []string) error {
	sub := App()
	sub.Metadata = c.App.Metadata
	sub.Reader = c.App.Reader
	sub.Writer = c.App.Writer
	sub.ErrWriter = c.App.ErrWriter
	sub.ExitErrHandler = func(*cli.Context, error) {}

	for _, f := range sub.Flags {
		switch f := f.(type) {
		case *cli.StringFlag:
			if f.Name == "output" {
				f.Value = c.String("output")
			}
		case *cli.BoolFlag:
			if f.Name == "wide" {
				f.Value = c.Bool("wide")
			}
		}
	}
	return sub.RunContext(ctx, append([]string{c.App.Name}, args...))
}

// commandPaths lists every visible command as its space-separated path.
func commandPaths(cmds []*cli.Command, parent string) []string {
	var paths []string
	for _, cmd := range cmds {
		if cmd.Hidden || cmd.Name == "help" || cmd.Name == "shell" {
			continue
		}
		path := cmd.Name
		if parent != "" {
			path = parent + " " + cmd.Name
		}
		paths = append(paths, path)
		paths = append(paths, commandPaths(cmd.Subcommands, path)...)
	}
	return paths
}
