package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnterminatedQuote is returned by Split for a quote or escape left
// open at the end of the line.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// ExecFunc runs one parsed line.
type ExecFunc func(ctx context.Context, args []string) error

// Config configures a REPL.
type Config struct {
	In        io.Reader
	Out       io.Writer
	Prompt    string
	Exec      ExecFunc
	Completer *Completer
	History   *History
}

// REPL represents the Read-Eval-Print Loop.
type REPL struct {
	cfg Config
}

// New creates a REPL. A nil Completer or History gets an empty one.
func New(cfg Config) *REPL {
	if cfg.Prompt == "" {
		cfg.Prompt = "offstore> "
	}
	if cfg.Completer == nil {
		cfg.Completer = NewCompleter()
	}
	if cfg.History == nil {
		cfg.History = NewHistory("", 0)
	}
	return &REPL{cfg: cfg}
}

// Run reads lines until exit, EOF or ctx is done. Command errors are
// printed and do not stop the loop.
func (r *REPL) Run(ctx context.Context) error {
	reader := bufio.NewReader(r.cfg.In)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(r.cfg.Out, r.cfg.Prompt)

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil

		line = strings.TrimSpace(line)
		if line != "" {
			if done := r.handle(ctx, line); done {
				return nil
			}
		}
		if eof {
			fmt.Fprintln(r.cfg.Out)
			return nil
		}
	}
}

// handle runs one trimmed line and reports whether the loop should end.
func (r *REPL) handle(ctx context.Context, line string) bool {
	if prefix, ok := strings.CutSuffix(line, "?"); ok {
		for _, s := range r.cfg.Completer.Complete(prefix) {
			fmt.Fprintln(r.cfg.Out, s)
		}
		return false
	}

	r.cfg.History.Add(line)

	switch line {
	case "exit", "quit":
		return true
	case "history":
		for i := r.cfg.History.Len() - 1; i >= 0; i-- {
			fmt.Fprintf(r.cfg.Out, "%5d  %s\n", r.cfg.History.Len()-i, r.cfg.History.Get(i))
		}
		return false
	}

	args, err := Split(line)
	if err == nil && r.cfg.Exec != nil {
		err = r.cfg.Exec(ctx, args)
	}
	if err != nil {
		fmt.Fprintf(r.cfg.Out, "Error: %v\n", err)
	}
	return false
}

// Split breaks line into arguments on whitespace. Single and double
// quotes group words; a backslash escapes the next rune outside single
// quotes.
func Split(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}

	if quote != 0 || escaped {
		return nil, ErrUnterminatedQuote
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
