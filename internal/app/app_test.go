package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/neurobus"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	home := t.TempDir()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "README.md"), []byte("# systerd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYSTERD_WORKSPACE", workspace)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Scheduler.IntervalSeconds = 1
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), nil, "test")
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var resps []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		resps = append(resps, m)
	}
	return resps
}

func TestNew_WiresCatalogAndFiles(t *testing.T) {
	a := newTestApp(t)
	if _, ok := a.Registry.Lookup("create_task"); !ok {
		t.Fatal("scheduler tools not registered")
	}
	if _, ok := a.Registry.Lookup("list_processes"); !ok {
		t.Fatal("host tools not registered")
	}
	for _, p := range []string{a.Config.PermissionsPath(), a.Config.ModePath(), a.Config.ACLPath(), a.Config.StateDBPath(), a.Config.NeuroBusPath()} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", filepath.Base(p), err)
		}
	}
}

func TestRun_StdioSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil, "test")
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_mode","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"create_reminder","arguments":{"message":"check backups","remind_at":"+1h"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"resources/list"}`,
	}, "\n") + "\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx, RunOptions{Stdio: true, Stdin: in, Stdout: &out}); err != nil {
		t.Fatalf("run: %v", err)
	}

	resps := decodeLines(t, out.String())
	if len(resps) != 4 {
		t.Fatalf("expected 4 responses, got %d: %s", len(resps), out.String())
	}
	for _, r := range resps {
		if r["error"] != nil {
			t.Fatalf("unexpected error response: %v", r)
		}
	}
	initRes := resps[0]["result"].(map[string]any)
	if initRes["protocolVersion"] == nil {
		t.Fatalf("initialize result = %v", initRes)
	}

	tasks, err := a.Scheduler.Upcoming(context.Background(), 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected one upcoming reminder, got %d (%v)", len(tasks), err)
	}

	msgs, err := a.Events.Query(context.Background(), neurobus.Filter{Topic: "systerd.stopped"})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected systerd.stopped event, got %d (%v)", len(msgs), err)
	}
	audited, err := a.Events.Query(context.Background(), neurobus.Filter{Kind: neurobus.KindCommand})
	if err != nil || len(audited) < 2 {
		t.Fatalf("expected audited tool calls, got %d (%v)", len(audited), err)
	}
}

func TestRun_RequiresTransport(t *testing.T) {
	a := newTestApp(t)
	if err := a.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatal("expected error without a transport")
	}
}

func TestHealth(t *testing.T) {
	a := newTestApp(t)
	h := a.Health(context.Background())
	if h["healthy"] != true {
		t.Fatalf("health = %v", h)
	}
	if h["tools"].(int) != a.Registry.Len() {
		t.Fatalf("tools = %v", h["tools"])
	}
}

func TestConsumeReloads_PicksUpPermissionEdits(t *testing.T) {
	a := newTestApp(t)
	if err := os.WriteFile(a.Config.PermissionsPath(), []byte(`{"get_mode":"disabled"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	events := make(chan config.ReloadEvent, 1)
	events <- config.ReloadEvent{Path: a.Config.PermissionsPath()}
	close(events)
	a.consumeReloads(context.Background(), events)

	if a.Permissions.Check("get_mode").Allows() {
		t.Fatal("external edit not reloaded")
	}
}
