// Package confloader loads configuration with koanf.
//
// Sources, lowest priority first: the target's own values (defaults), a
// YAML file, OFFSTORE_ environment variables, then explicit overrides
// such as command line flags.
//
// Environment names are matched against the koanf tags of the target,
// so OFFSTORE_STORAGE_DATA_DIR sets storage.data_dir and
// OFFSTORE_MECHANISMS_BADGER_GC_INTERVAL sets
// mechanisms.badger.gc_interval.
package confloader
