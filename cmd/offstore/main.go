// Command offstore inspects and maintains offline content storage.
//
// Usage:
//
//	offstore [--config FILE] [--data-dir DIR] [-o table|json|yaml] COMMAND
//
// Run "offstore help" for the command list.
package main

import (
	"fmt"
	"os"

	"github.com/yndnr/offstore/internal/cli/command"
	_ "github.com/yndnr/offstore/internal/storage/mechanisms"
)

func main() {
	if err := command.App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
