package command

import (
	"bytes"
	"regexp"
	"slices"
	"strings"
	"testing"
)

func TestShell(t *testing.T) {
	dir := t.TempDir()
	seg := writeFile(t, dir, "seg.bin", "shell segment")

	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.Reader = strings.NewReader(strings.Join([]string{
		"-o json cells",
		"-o json segments put " + seg,
		"shell",
		"segments get nope",
		"manifests?",
		"exit",
	}, "\n") + "\n")

	if err := app.Run([]string{"offstore", "--data-dir", dir, "shell", "--history", ""}); err != nil {
		t.Fatalf("shell: %v", err)
	}
	out := stdout.String()

	if got := strings.Count(out, "offstore> "); got != 6 {
		t.Errorf("prompts = %d, want 6\n%s", got, out)
	}
	if !strings.Contains(out, `"mechanism": "badger"`) {
		t.Errorf("cells output missing:\n%s", out)
	}
	if !strings.Contains(out, "Error: [OS-STOR-4000]") {
		t.Errorf("nested shell or bad key not reported:\n%s", out)
	}
	if !strings.Contains(out, "manifests add\n") || !strings.Contains(out, "manifests list\n") {
		t.Errorf("completions missing:\n%s", out)
	}

	m := regexp.MustCompile(`"key": (\d+)`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no key in output:\n%s", out)
	}

	// The shell released the store, so a plain invocation can open it.
	if got := mustRun(t, dir, "segments", "get", m[1]); got != "shell segment" {
		t.Errorf("get after shell = %q", got)
	}
}

func TestCommandPaths(t *testing.T) {
	paths := commandPaths(App().Commands, "")
	for _, want := range []string{"cells", "manifests list", "segments put", "config check", "erase"} {
		if !slices.Contains(paths, want) {
			t.Errorf("missing %q in %v", want, paths)
		}
	}
	if slices.Contains(paths, "shell") {
		t.Error("shell should not complete inside itself")
	}
}

func TestShell_OutputFlags(t *testing.T) {
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.Reader = strings.NewReader("version\n-o yaml version\n--output table cells\n")

	if err := app.Run([]string{"offstore", "--data-dir", dir, "-o", "json", "shell", "--history", ""}); err != nil {
		t.Fatalf("shell: %v", err)
	}
	out := stdout.String()

	if strings.Contains(out, "Error:") {
		t.Fatalf("a line was rejected:\n%s", out)
	}
	if !strings.Contains(out, `"go_version": "`) {
		t.Errorf("shell output format not inherited:\n%s", out)
	}
	if !strings.Contains(out, "\ngo_version: ") {
		t.Errorf("-o yaml on a line ignored:\n%s", out)
	}
	if !strings.Contains(out, "MECHANISM") {
		t.Errorf("--output table on a line ignored:\n%s", out)
	}
}
