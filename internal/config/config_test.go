package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/systerd/internal/config"
)

func TestLoadFrom_DefaultsWhenMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis without config.yaml")
	}
	if cfg.StateDir != home {
		t.Fatalf("state dir = %q, want %q", cfg.StateDir, home)
	}
	if cfg.BindAddr != "127.0.0.1:8089" || cfg.LogLevel != "info" || cfg.ACLPolicy != "permissive" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.NeuroBus.MaxRows != 100_000 || cfg.NeuroBus.RetentionDays != 30 {
		t.Fatalf("unexpected neurobus defaults: %+v", cfg.NeuroBus)
	}
	if got := cfg.PermissionsPath(); got != filepath.Join(home, "permissions.json") {
		t.Fatalf("permissions path = %q", got)
	}
}

func TestLoadFrom_YAMLAndEnv(t *testing.T) {
	home := t.TempDir()
	state := filepath.Join(home, "state")
	body := "state_dir: " + state + "\nlog_level: WARNING\nscheduler:\n  interval_seconds: 5\n  catch_up: true\nneurobus:\n  max_rows: 500\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYSTERD_BIND_ADDR", "0.0.0.0:9000")
	t.Setenv("SYSTERD_NEUROBUS_RETENTION_DAYS", "7")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("config.yaml exists, NeedsGenesis should be false")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Scheduler.IntervalSeconds != 5 || !cfg.Scheduler.CatchUp {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.NeuroBus.MaxRows != 500 || cfg.NeuroBus.RetentionDays != 7 {
		t.Fatalf("neurobus = %+v", cfg.NeuroBus)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if _, err := os.Stat(state); err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
}

func TestLoadFrom_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"log level": "log_level: chatty\n",
		"acl":       "acl_policy: open\n",
		"bind":      "bind_addr: not-an-address\n",
		"yaml":      "scheduler: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestHomeDir_Override(t *testing.T) {
	t.Setenv("SYSTERD_HOME", "/tmp/systerd-test-home")
	if got := config.HomeDir(); got != "/tmp/systerd-test-home" {
		t.Fatalf("HomeDir = %q", got)
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	a := config.Default()
	b := config.Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.NeuroBus.MaxRows = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with neurobus bounds")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}

func TestToolTimeout_ZeroDisables(t *testing.T) {
	cfg := config.Default()
	cfg.ToolTimeoutSeconds = 0
	if cfg.ToolTimeout() >= 0 {
		t.Fatalf("zero seconds should disable the timeout, got %v", cfg.ToolTimeout())
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	home := t.TempDir()
	path, err := config.WriteDefault(home)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if path != config.ConfigPath(home) {
		t.Fatalf("path = %q", path)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("written default should not need genesis")
	}
}
