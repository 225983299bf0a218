package repl

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
)

type recorder struct {
	calls [][]string
	err   error
}

func (r *recorder) exec(_ context.Context, args []string) error {
	r.calls = append(r.calls, args)
	return r.err
}

func run(t *testing.T, input string, rec *recorder) (string, *History) {
	t.Helper()
	var out bytes.Buffer
	h := NewHistory("", 0)
	r := New(Config{
		In:        strings.NewReader(input),
		Out:       &out,
		Exec:      rec.exec,
		Completer: NewCompleter("cells", "manifests list", "manifests get", "segments get"),
		History:   h,
	})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return out.String(), h
}

func TestREPL_Exit(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"exit", "exit\ncells\n"},
		{"quit", "quit\ncells\n"},
		{"EOF", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			run(t, tt.input, rec)
			if len(rec.calls) != 0 {
				t.Errorf("Exec called %d times", len(rec.calls))
			}
		})
	}
}

func TestREPL_Exec(t *testing.T) {
	rec := &recorder{}
	out, h := run(t, "\n  cells  \n\nmanifests get 1 2\nsegments get 'a b'", rec)

	want := [][]string{{"cells"}, {"manifests", "get", "1", "2"}, {"segments", "get", "a b"}}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %q", rec.calls)
	}
	for i := range want {
		if !slices.Equal(rec.calls[i], want[i]) {
			t.Errorf("call %d = %q, want %q", i, rec.calls[i], want[i])
		}
	}

	if got := strings.Count(out, "offstore> "); got != 5 {
		t.Errorf("prompts = %d, want 5", got)
	}
	if h.Get(0) != "segments get 'a b'" || h.Get(2) != "cells" {
		t.Errorf("history = %q, %q", h.Get(0), h.Get(2))
	}
}

func TestREPL_ErrorsDoNotStop(t *testing.T) {
	rec := &recorder{err: errors.New("boom")}
	out, _ := run(t, "cells\ncells \"open\nexit\n", rec)

	if len(rec.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(rec.calls))
	}
	if !strings.Contains(out, "Error: boom") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Error: "+ErrUnterminatedQuote.Error()) {
		t.Errorf("split error not reported: %q", out)
	}
}

func TestREPL_Builtins(t *testing.T) {
	rec := &recorder{}
	out, h := run(t, "manifests?\ncells\nhistory\nexit\n", rec)

	if !strings.Contains(out, "manifests get\nmanifests list\n") {
		t.Errorf("completion output = %q", out)
	}
	if !strings.Contains(out, "    1  cells\n    2  history\n") {
		t.Errorf("history output = %q", out)
	}
	if h.Len() != 3 {
		t.Errorf("history len = %d, want 3 (completions are not recorded)", h.Len())
	}
	if len(rec.calls) != 1 {
		t.Errorf("calls = %q", rec.calls)
	}
}

func TestREPL_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(Config{In: strings.NewReader("cells\n"), Out: &bytes.Buffer{}})
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v", err)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{"cells", []string{"cells"}, false},
		{"  a \t b  ", []string{"a", "b"}, false},
		{`a "b c" d`, []string{"a", "b c", "d"}, false},
		{`a 'b "c"'`, []string{"a", `b "c"`}, false},
		{`a\ b`, []string{"a b"}, false},
		{`'a\b'`, []string{`a\b`}, false},
		{`x ""`, []string{"x", ""}, false},
		{`pre"fix"`, []string{"prefix"}, false},
		{`"open`, nil, true},
		{`trail\`, nil, true},
		{"", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Split(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Split() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Split() = %q, want %q", got, tt.want)
			}
		})
	}
}
