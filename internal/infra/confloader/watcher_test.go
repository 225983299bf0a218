package confloader

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type logSection struct {
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

// levels starts a watcher on path that reloads the file on every change
// and reports the log level it read.
func levels(t *testing.T, path string) (*Watcher, <-chan string) {
	t.Helper()
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Stop() })
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	ch := make(chan string, 16)
	w.OnChange(func(changed string) {
		var cfg logSection
		if err := NewLoader(WithConfigFile(changed), WithEnvPrefix("OFFSTORE_WATCHER_TEST_")).Load(&cfg); err != nil {
			return // caught mid-write
		}
		if cfg.Log.Level != "" {
			select {
			case ch <- cfg.Log.Level:
			default:
			}
		}
	})
	w.StartAsync()
	return w, ch
}

func waitLevel(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("log level %q not reloaded", want)
		}
	}
}

func writeLevelConfig(t *testing.T, path, level string) {
	t.Helper()
	data := []byte("storage:\n  data_dir: /var/lib/offstore\nlog:\n  level: " + level + "\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_Watch(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in existing dir", filepath.Join(dir, "offstore.yaml"), false},
		{"file not created yet", filepath.Join(dir, "later.yaml"), false},
		{"missing dir", filepath.Join(dir, "absent", "offstore.yaml"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWatcher()
			if err != nil {
				t.Fatal(err)
			}
			defer w.Stop()

			if err := w.Watch(tt.path); (err != nil) != tt.wantErr {
				t.Errorf("Watch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := w.watched(tt.path); got == tt.wantErr {
				t.Errorf("watched() = %v", got)
			}
		})
	}
}

func TestWatcher_ReloadsLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offstore.yaml")
	writeLevelConfig(t, path, "info")
	_, ch := levels(t, path)

	t.Run("in place write", func(t *testing.T) {
		writeLevelConfig(t, path, "debug")
		waitLevel(t, ch, "debug")
	})

	t.Run("replace by rename", func(t *testing.T) {
		tmp := path + ".tmp"
		writeLevelConfig(t, tmp, "warn")
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
		waitLevel(t, ch, "warn")
	})
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offstore.yaml")
	writeLevelConfig(t, path, "info")
	_, ch := levels(t, path)

	writeLevelConfig(t, filepath.Join(dir, "offstore.yaml.bak"), "error")
	writeLevelConfig(t, filepath.Join(dir, "other.yaml"), "error")

	select {
	case got := <-ch:
		t.Errorf("reloaded %q from an unwatched file", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_CallbacksAddedWhileRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offstore.yaml")
	writeLevelConfig(t, path, "info")
	w, ch := levels(t, path)

	var late atomic.Int32
	w.OnChange(func(string) { late.Add(1) })

	writeLevelConfig(t, path, "error")
	waitLevel(t, ch, "error")
	for deadline := time.Now().Add(time.Second); late.Load() == 0; time.Sleep(10 * time.Millisecond) {
		if time.Now().After(deadline) {
			t.Fatal("callback registered after start was not run")
		}
	}
}

func TestWatcher_Stop(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		w.Start()
		close(done)
	}()

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
