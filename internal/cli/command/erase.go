package command

import (
	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/cli/output"
	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage"
)

// EraseCommand deletes everything a mechanism stores and recreates its
// current cell empty.
func EraseCommand() *cli.Command {
	return &cli.Command{
		Name:      "erase",
		Usage:     "delete all content of a mechanism",
		ArgsUsage: "MECHANISM",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "confirm the erase",
			},
		},
		Action: eraseMechanism,
	}
}

func eraseMechanism(c *cli.Context) error {
	if c.NArg() != 1 {
		return domain.ErrInvalidArgument.WithDetails("exactly one mechanism is required")
	}
	name := c.Args().First()
	if !c.Bool("yes") {
		return domain.ErrInvalidArgument.Errorf("erasing %s deletes all of its content; pass --yes to confirm", name)
	}

	return withMuxer(c, func(x *storage.Muxer) error {
		sp := output.NewSpinner(c.App.ErrWriter, "erasing "+name)
		sp.Start()
		if err := x.Erase(c.Context, name); err != nil {
			sp.Fail("erase " + name + " failed")
			return err
		}
		sp.Success("erased " + name)
		return nil
	})
}
