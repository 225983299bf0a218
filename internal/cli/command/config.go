package command

import (
	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/cli/output"
	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/server/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "show the effective configuration with secrets masked",
				Action: configShow,
			},
			{
				Name:      "check",
				Usage:     "validate a configuration file",
				ArgsUsage: "FILE",
				Action:    configCheck,
			},
		},
	}
}

func configShow(c *cli.Context) error {
	rt, err := load(c)
	if err != nil {
		return err
	}
	// Nested sections do not fit a table.
	if output.Format(c.String("output")) == output.FormatTable {
		return (&output.YAMLFormatter{}).Format(c.App.Writer, config.Sanitize(rt.cfg))
	}
	return render(c, config.Sanitize(rt.cfg))
}

func configCheck(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = c.String("config")
	}
	if path == "" {
		return domain.ErrInvalidArgument.WithDetails("no configuration file given")
	}
	if _, err := config.Load(path, nil); err != nil {
		return err
	}
	printf(c, "%s: ok\n", path)
	return nil
}
