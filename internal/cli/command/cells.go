package command

import (
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/offstore/internal/storage"
)

type cellRow struct {
	Name          string `json:"name" yaml:"name" table:"cell"`
	Mechanism     string `json:"mechanism" yaml:"mechanism"`
	SegmentStore  string `json:"segment_store" yaml:"segment_store"`
	ManifestStore string `json:"manifest_store" yaml:"manifest_store"`
	Fixed         bool   `json:"fixed_key_space" yaml:"fixed_key_space" table:"fixed"`
	Writable      bool   `json:"writable" yaml:"writable"`
	InstanceID    string `json:"instance_id,omitempty" yaml:"instance_id,omitempty" table:"instance,wide"`
}

// CellsCommand lists the mounted cells of every running mechanism.
func CellsCommand() *cli.Command {
	return &cli.Command{
		Name:   "cells",
		Usage:  "list mounted cells",
		Action: listCells,
	}
}

func listCells(c *cli.Context) error {
	return withMuxer(c, func(x *storage.Muxer) error {
		writable, _, _ := x.WritableCell()
		cells := x.Cells()

		rows := make([]cellRow, 0, len(cells))
		for _, q := range sortedCells(x) {
			cell := cells[q]
			mech, _, _ := strings.Cut(q, ":")
			row := cellRow{
				Name:          q,
				Mechanism:     mech,
				SegmentStore:  cell.SegmentStore(),
				ManifestStore: cell.ManifestStore(),
				Fixed:         cell.HasFixedKeySpace(),
				Writable:      q == writable,
			}
			if m, ok := x.Mechanism(mech); ok {
				if kv, ok := m.(*storage.KVMechanism); ok {
					row.InstanceID = kv.InstanceID()
				}
			}
			rows = append(rows, row)
		}
		return render(c, rows)
	})
}
