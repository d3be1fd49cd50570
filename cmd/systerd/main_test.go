package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func run(t *testing.T, stdin string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errb bytes.Buffer
	code = execute(context.Background(), args, strings.NewReader(stdin), &out, &errb)
	return code, out.String(), errb.String()
}

// fakeDaemon serves /healthz and answers tools/call with the result built by
// tool, recording the arguments of every call.
type fakeDaemon struct {
	health map[string]any
	tool   func(name string, args map[string]any) any

	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeDaemon) recorded() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.calls...)
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		w.Header().Set("Content-Type", "application/json")
		if ok, _ := f.health["healthy"].(bool); !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(f.health)
	case "/mcp":
		var req struct {
			ID     json.RawMessage `json:"id"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.calls = append(f.calls, map[string]any{"name": req.Params.Name, "arguments": req.Params.Arguments})
		f.mu.Unlock()
		text, _ := json.Marshal(f.tool(req.Params.Name, req.Params.Arguments))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"content": []map[string]any{{"type": "text", "text": string(text)}}},
		})
	default:
		http.NotFound(w, r)
	}
}

func startFakeDaemon(t *testing.T, f *fakeDaemon) {
	t.Helper()
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	t.Setenv("SYSTERD_BIND_ADDR", strings.TrimPrefix(ts.URL, "http://"))
}

func TestRootCmd_Subcommands(t *testing.T) {
	var got []string
	for _, c := range newRootCmd().Commands() {
		got = append(got, c.Name())
	}
	want := []string{"doctor", "events", "mode", "serve", "status", "token"}
	// cobra sorts commands and may add completion/help.
	var filtered []string
	for _, n := range got {
		if n != "completion" && n != "help" {
			filtered = append(filtered, n)
		}
	}
	if diff := cmp.Diff(want, filtered); diff != "" {
		t.Fatalf("subcommands mismatch (-want +got):\n%s", diff)
	}
}

func TestServe_StdioSession(t *testing.T) {
	home := t.TempDir()
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_mode","arguments":{}}}`,
	}, "\n") + "\n"

	code, out, errOut := run(t, in, "--home", home, "serve", "--stdio", "--quiet")
	if code != 0 {
		t.Fatalf("exit %d, stderr:\n%s", code, errOut)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d:\n%s", len(lines), out)
	}
	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 2 || len(resp.Result.Content) == 0 || !strings.Contains(resp.Result.Content[0].Text, "transparent") {
		t.Fatalf("unexpected get_mode response: %s", lines[1])
	}
	for _, name := range []string{"config.yaml", "mode.acl", "neurobus.db", "state.db", "logs/system.jsonl"} {
		if _, err := os.Stat(filepath.Join(home, name)); err != nil {
			t.Errorf("expected %s after first start: %v", name, err)
		}
	}
}

func TestServe_BadConfigReportsReasonCode(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: chatty\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, errOut := run(t, "", "--home", home, "serve", "--stdio")
	if code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(errOut, `"reason_code":"E_CONFIG_LOAD"`) {
		t.Fatalf("stderr missing reason code:\n%s", errOut)
	}
}

func TestToken_GeneratesACL(t *testing.T) {
	home := t.TempDir()
	code, out, errOut := run(t, "", "--home", home, "token")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "acl: "+filepath.Join(home, "mode.acl")) {
		t.Fatalf("missing acl path:\n%s", out)
	}
	if !regexp.MustCompile(`(?m)^[0-9a-f]{32}$`).MatchString(out) {
		t.Fatalf("missing generated token:\n%s", out)
	}

	_, again, _ := run(t, "", "--home", home, "token")
	if again != out {
		t.Fatalf("token changed between runs:\n%s\nvs\n%s", out, again)
	}
}

func TestStatus_JSON(t *testing.T) {
	startFakeDaemon(t, &fakeDaemon{health: map[string]any{"healthy": true, "mode": "hybrid", "tools": 24}})

	code, out, errOut := run(t, "", "--home", t.TempDir(), "status", "--json")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got["mode"] != "hybrid" {
		t.Fatalf("mode = %v", got["mode"])
	}
}

func TestStatus_UnhealthyExitsNonZero(t *testing.T) {
	startFakeDaemon(t, &fakeDaemon{health: map[string]any{"healthy": false}})

	code, out, errOut := run(t, "", "--home", t.TempDir(), "status")
	if code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(out, `"healthy": false`) {
		t.Fatalf("health document not printed:\n%s", out)
	}
	if strings.Contains(errOut, "error:") {
		t.Fatalf("unhealthy status should not print an error line: %s", errOut)
	}
}

func TestEvents_PrintsOldestFirstWithFilters(t *testing.T) {
	f := &fakeDaemon{tool: func(name string, _ map[string]any) any {
		return []map[string]any{
			{"id": 2, "kind": "command", "topic": "tool.call", "payload": map[string]any{"tool": "get_mode"}, "ts": 1767322800.5},
			{"id": 1, "kind": "event", "topic": "systerd.started", "payload": map[string]any{}, "ts": 1767322800.0},
		}
	}}
	startFakeDaemon(t, f)

	code, out, errOut := run(t, "", "--home", t.TempDir(), "events", "--kind", "command", "-n", "10")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	started := strings.Index(out, "systerd.started")
	call := strings.Index(out, "tool.call")
	if started < 0 || call < 0 || started > call {
		t.Fatalf("rows not oldest first:\n%s", out)
	}
	want := []map[string]any{{"name": "read_neurobus", "arguments": map[string]any{"kind": "command", "limit": float64(10)}}}
	if diff := cmp.Diff(want, f.recorded()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_RejectsUnknownKind(t *testing.T) {
	code, _, errOut := run(t, "", "--home", t.TempDir(), "events", "--kind", "gossip")
	if code != 1 || !strings.Contains(errOut, "invalid kind") {
		t.Fatalf("exit %d: %s", code, errOut)
	}
}

func TestModeSet_UsesLocalToken(t *testing.T) {
	home := t.TempDir()
	_, tokOut, _ := run(t, "", "--home", home, "token")
	token := strings.TrimSpace(strings.Split(strings.TrimSpace(tokOut), "\n")[1])

	f := &fakeDaemon{tool: func(name string, args map[string]any) any {
		return map[string]any{"status": "ok", "mode": args["mode"], "changed": true}
	}}
	startFakeDaemon(t, f)

	code, out, errOut := run(t, "", "--home", home, "mode", "set", "hybrid")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if strings.TrimSpace(out) != "hybrid (changed)" {
		t.Fatalf("output = %q", out)
	}
	want := []map[string]any{{"name": "set_mode", "arguments": map[string]any{"mode": "hybrid", "token": token}}}
	if diff := cmp.Diff(want, f.recorded()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestModeSet_RejectsUnknownModeLocally(t *testing.T) {
	code, _, errOut := run(t, "", "--home", t.TempDir(), "mode", "set", "turbo")
	if code != 1 || !strings.Contains(errOut, "invalid mode") {
		t.Fatalf("exit %d: %s", code, errOut)
	}
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	if !isAddrInUse(inUse) {
		t.Fatal("EADDRINUSE not detected")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error flagged")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := lookupPortOwner
	t.Cleanup(func() { lookupPortOwner = orig })

	lookupPortOwner = func(string) (string, error) { return "4242\n", nil }
	if got := portOccupantHint("127.0.0.1:8089"); !strings.Contains(got, "PID 4242") {
		t.Fatalf("hint = %q", got)
	}
	lookupPortOwner = func(string) (string, error) { return "", io.EOF }
	if got := portOccupantHint("127.0.0.1:8089"); !strings.Contains(got, "port 8089 is already in use") {
		t.Fatalf("hint = %q", got)
	}
}

func TestDoctor_JSON(t *testing.T) {
	home := t.TempDir()
	code, out, errOut := run(t, "", "--home", home, "doctor", "--json")
	var d struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(d.Results) != 8 {
		t.Fatalf("got %d checks", len(d.Results))
	}
	for _, r := range d.Results {
		if r.Status == "FAIL" && code != 1 {
			t.Fatalf("failed check %s but exit %d", r.Name, code)
		}
	}
	if code != 0 && code != 1 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
}
