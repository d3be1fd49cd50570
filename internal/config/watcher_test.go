package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/systerd/internal/config"
)

func startWatcher(t *testing.T, home, state string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(home, state, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

// awaitEvent repeats write until the watcher reports a file named base.
// fsnotify registration is asynchronous on some platforms, so the first
// write can be missed.
func awaitEvent(t *testing.T, w *config.Watcher, base string, write func()) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	write()
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("events closed early")
			}
			if got := filepath.Base(ev.Path); got != base {
				t.Fatalf("event for %s, want %s", got, base)
			}
			return
		case <-tick.C:
			write()
		case <-deadline:
			t.Fatalf("no event for %s", base)
		}
	}
}

func TestWatcher_PermissionsRenameOver(t *testing.T) {
	home, state := t.TempDir(), t.TempDir()
	perms := filepath.Join(state, "permissions.json")
	w := startWatcher(t, home, state)

	awaitEvent(t, w, "permissions.json", func() {
		tmp := perms + ".tmp"
		_ = os.WriteFile(tmp, []byte(`{"get_mode":"DISABLED"}`), 0o644)
		_ = os.Rename(tmp, perms)
	})
}

func TestWatcher_ConfigWriteIgnoresNeighbours(t *testing.T) {
	home := t.TempDir()
	w := startWatcher(t, home, home)

	// Only config.yaml should surface even though the directory also
	// receives unrelated writes.
	awaitEvent(t, w, "config.yaml", func() {
		_ = os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644)
		_ = os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644)
	})
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel not closed after cancel")
		}
	}
}
