// Package command defines the offstore command line tool.
//
// The tool opens the configured mechanisms in-process, the same way the
// daemon does, so it must not run against a badger or bolt directory a
// live offstored holds open.
package command
