package storage

import (
	"fmt"
	"strings"
)

// MetaStore holds per-instance bookkeeping such as the instance ID.
const MetaStore = "meta"

// instanceIDKey is the meta record holding the instance ID.
const instanceIDKey uint64 = 1

// CurrentVersion is the schema version new records are written with.
const CurrentVersion = 3

// SegmentStoreName returns the segment store name of a schema version.
// Version 1 predates suffixed names.
func SegmentStoreName(version int) string {
	return storeName("segment", version)
}

// ManifestStoreName returns the manifest store name of a schema version.
func ManifestStoreName(version int) string {
	return storeName("manifest", version)
}

func storeName(base string, version int) string {
	if version <= 1 {
		return base
	}
	return fmt.Sprintf("%s-v%d", base, version)
}

// CellSpec describes one cell a mechanism may mount.
type CellSpec struct {
	// Name is the cell name exposed by the mechanism (e.g. "v3").
	Name string

	SegmentStore  string
	ManifestStore string

	// FixedKey marks a legacy key space that accepts no new keys.
	FixedKey bool

	// Create makes Init create the stores when missing. Cells without
	// Create are mounted only when both stores already exist.
	Create bool
}

// Layout is the ordered list of cells a mechanism knows about.
type Layout []CellSpec

// VersionSpec returns the spec of the cell for a schema version.
func VersionSpec(version int, fixedKey, create bool) CellSpec {
	return CellSpec{
		Name:          fmt.Sprintf("v%d", version),
		SegmentStore:  SegmentStoreName(version),
		ManifestStore: ManifestStoreName(version),
		FixedKey:      fixedKey,
		Create:        create,
	}
}

// DefaultLayout mounts the two legacy versions read-only and creates the
// current version.
func DefaultLayout() Layout {
	return Layout{
		VersionSpec(1, true, false),
		VersionSpec(2, true, false),
		VersionSpec(CurrentVersion, false, true),
	}
}

// CurrentLayout knows only the current version. It suits backends that
// never held legacy data.
func CurrentLayout() Layout {
	return Layout{VersionSpec(CurrentVersion, false, true)}
}

// Validate checks names are set and unique.
func (l Layout) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("layout: no cells")
	}

	cells := make(map[string]bool, len(l))
	stores := make(map[string]string, 2*len(l))
	for _, spec := range l {
		if spec.Name == "" || spec.SegmentStore == "" || spec.ManifestStore == "" {
			return fmt.Errorf("layout: cell %q: empty name", spec.Name)
		}
		if strings.Contains(spec.Name, ":") {
			return fmt.Errorf("layout: cell %q: name must not contain ':'", spec.Name)
		}
		if cells[spec.Name] {
			return fmt.Errorf("layout: duplicate cell %q", spec.Name)
		}
		cells[spec.Name] = true

		for _, store := range []string{spec.SegmentStore, spec.ManifestStore} {
			if store == MetaStore {
				return fmt.Errorf("layout: cell %q uses reserved store %q", spec.Name, MetaStore)
			}
			if owner, ok := stores[store]; ok {
				return fmt.Errorf("layout: store %q used by cells %q and %q", store, owner, spec.Name)
			}
			stores[store] = spec.Name
		}
	}
	return nil
}

// Stores lists every store named by the layout plus the meta store.
func (l Layout) Stores() []string {
	stores := make([]string, 0, 2*len(l)+1)
	for _, spec := range l {
		stores = append(stores, spec.SegmentStore, spec.ManifestStore)
	}
	return append(stores, MetaStore)
}
