package repl

import (
	"slices"
	"strings"
)

// Completer matches command prefixes against a fixed command list.
type Completer struct {
	commands []string
}

// NewCompleter returns a Completer over commands plus the shell
// builtins.
func NewCompleter(commands ...string) *Completer {
	all := append(slices.Clone(commands), "exit", "help", "history", "quit")
	slices.Sort(all)
	return &Completer{commands: slices.Compact(all)}
}

// Complete returns the commands starting with prefix, in order. An
// empty prefix matches everything.
func (c *Completer) Complete(prefix string) []string {
	prefix = strings.Join(strings.Fields(prefix), " ")
	var suggestions []string
	for _, cmd := range c.commands {
		if strings.HasPrefix(cmd, prefix) {
			suggestions = append(suggestions, cmd)
		}
	}
	return suggestions
}
