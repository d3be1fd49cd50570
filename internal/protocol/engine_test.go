package protocol

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/systerd/internal/audit"
	"github.com/basket/systerd/internal/mode"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/registry"
)

type testEnv struct {
	engine *Engine
	perms  *permission.Store
	reg    *registry.Registry
	calls  *atomic.Int64
	root   string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	perms, err := permission.Open(filepath.Join(dir, "permissions.json"), permission.Options{})
	if err != nil {
		t.Fatalf("open permissions: %v", err)
	}
	reg := registry.New()
	calls := &atomic.Int64{}
	if err := reg.Register(registry.Descriptor{
		Name:        "echo",
		Description: "Echo arguments back",
		Handler: registry.HandlerFunc(func(_ context.Context, args json.RawMessage) (any, error) {
			calls.Add(1)
			var v any
			if err := json.Unmarshal(args, &v); err != nil {
				return nil, err
			}
			return map[string]any{"echo": v}, nil
		}),
	}); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# systerd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("do not leak"), 0o644); err != nil {
		t.Fatal(err)
	}
	catalog, err := NewCatalog(root, DefaultResourceCandidates)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{Registry: reg, Permissions: perms, Resources: catalog, Version: "test"}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{engine: e, perms: perms, reg: reg, calls: calls, root: catalog.Root()}
}

type decoded struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

func (env *testEnv) rpc(t *testing.T, msg string) decoded {
	t.Helper()
	out := env.engine.Handle(context.Background(), []byte(msg))
	if out == nil {
		t.Fatalf("no response for %s", msg)
	}
	var d decoded
	if err := json.Unmarshal(out, &d); err != nil {
		t.Fatalf("decode response %s: %v", out, err)
	}
	return d
}

func TestNormalizeMethod(t *testing.T) {
	cases := map[string]string{
		"tools/list":          "tools/list",
		"mcp.tools.list":      "tools/list",
		"mcp/tools/call":      "tools/call",
		"resources.read":      "resources/read",
		" initialize ":        "initialize",
		"notifications.ready": "notifications/ready",
	}
	for in, want := range cases {
		if got := NormalizeMethod(in); got != want {
			t.Errorf("NormalizeMethod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if d.Error != nil {
		t.Fatalf("unexpected error %+v", d.Error)
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Resources struct {
				Subscribe   bool `json:"subscribe"`
				ListChanged bool `json:"listChanged"`
			} `json:"resources"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(d.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ProtocolVersion != MCPProtocolVersion || !res.Capabilities.Resources.Subscribe || res.Capabilities.Resources.ListChanged {
		t.Fatalf("unexpected initialize result %s", d.Result)
	}
	if res.ServerInfo.Name != "systerd-lite" || res.ServerInfo.Version != "test" {
		t.Fatalf("server info %+v", res.ServerInfo)
	}
	if string(d.ID) != "1" {
		t.Fatalf("id not echoed: %s", d.ID)
	}
}

func TestToolsList_NormalizedMethodMatchesCanonical(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	b := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"mcp.tools.list"}`)
	if diff := cmp.Diff(string(a.Result), string(b.Result)); diff != "" {
		t.Fatalf("normalized result differs (-want +got):\n%s", diff)
	}
	if !strings.Contains(string(a.Result), `"name":"echo"`) {
		t.Fatalf("echo missing from list: %s", a.Result)
	}
}

func TestToolsList_HidesDisabledAfterExternalEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	raw, err := json.Marshal(map[string]string{"echo": "disabled"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.perms.Path(), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	tools := env.engine.ListTools()
	for _, tool := range tools {
		if tool.Name == "echo" {
			t.Fatal("disabled tool listed after out-of-process edit")
		}
	}
}

func TestToolsCall_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	if lvl := env.perms.Check("echo"); lvl != permission.AIAsk {
		t.Fatalf("default level = %s, want ai_ask", lvl)
	}
	d := env.rpc(t, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	if d.Error != nil {
		t.Fatalf("unexpected error %+v", d.Error)
	}
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent map[string]any `json:"structuredContent"`
	}
	if err := json.Unmarshal(d.Result, &res); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"echo": map[string]any{"x": float64(1)}}
	if diff := cmp.Diff(want, res.StructuredContent); diff != "" {
		t.Fatalf("structured content mismatch (-want +got):\n%s", diff)
	}
	if len(res.Content) != 1 || res.Content[0].Type != "text" || res.Content[0].Text != `{"echo":{"x":1}}` {
		t.Fatalf("text content %+v", res.Content)
	}

	if err := env.perms.Set("echo", permission.Disabled); err != nil {
		t.Fatal(err)
	}
	d = env.rpc(t, `{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	if d.Error == nil || d.Error.Code != int(CodePermissionDenied) {
		t.Fatalf("expected permission error, got %+v", d)
	}
	if d.Error.Data["error"] != KindPermission || d.Error.Data["code_name"] != "PERMISSION_DENIED" {
		t.Fatalf("error data %+v", d.Error.Data)
	}
	if n := env.calls.Load(); n != 1 {
		t.Fatalf("handler invoked %d times, want 1", n)
	}
}

func TestToolsCall_DisabledNeverInvokesHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.perms.Set("echo", permission.Disabled); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		d := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
		if d.Error == nil {
			t.Fatal("disabled call succeeded")
		}
	}
	if n := env.calls.Load(); n != 0 {
		t.Fatalf("handler invoked %d times", n)
	}
}

func TestToolsCall_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.reg.Register(registry.Descriptor{
		Name:        "typed",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		Handler: registry.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{}, nil
		}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.reg.Register(registry.Descriptor{
		Name: "fail",
		Handler: registry.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return nil, InvalidInput(os.ErrNotExist)
		}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.reg.Register(registry.Descriptor{
		Name: "boom",
		Handler: registry.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			panic("kaboom")
		}),
	}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		msg  string
		code Code
	}{
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`, CodeMethodNotFound},
		{"missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, CodeInvalidParams},
		{"schema violation", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"typed","arguments":{"n":"x"}}}`, CodeInvalidParams},
		{"domain error", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail"}}`, CodeInvalidInput},
		{"panic", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}}`, CodeToolExecutionFailed},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"frobnicate"}`, CodeMethodNotFound},
		{"bad envelope", `{"id":1,"method":"tools/list"}`, CodeInvalidRequest},
		{"parse error", `{"jsonrpc":`, CodeParseError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := env.rpc(t, tc.msg)
			if d.Error == nil || d.Error.Code != int(tc.code) {
				t.Fatalf("want code %d, got %+v", tc.code, d.Error)
			}
			if d.Error.Data["code"] != float64(tc.code) {
				t.Fatalf("data code %v", d.Error.Data["code"])
			}
		})
	}
}

func TestToolsCall_Timeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ToolTimeout = 20 * time.Millisecond })
	if err := env.reg.Register(registry.Descriptor{
		Name: "slow_probe",
		Handler: registry.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		}),
	}); err != nil {
		t.Fatal(err)
	}
	d := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow_probe"}}`)
	if d.Error == nil || d.Error.Code != int(CodeTimeout) {
		t.Fatalf("want timeout, got %+v", d.Error)
	}
	details, _ := d.Error.Data["details"].(map[string]any)
	if details["timeout"] != "20ms" {
		t.Fatalf("timeout bound missing from data: %+v", d.Error.Data)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, msg := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3}}`,
		`{"jsonrpc":"2.0","method":"tools/list"}`,
	} {
		if out := env.engine.Handle(context.Background(), []byte(msg)); out != nil {
			t.Fatalf("notification %s produced %s", msg, out)
		}
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.rpc(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if d.Error != nil || string(d.Result) != "{}" {
		t.Fatalf("ping = %s %+v", d.Result, d.Error)
	}
}

func TestBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	out := env.engine.Handle(context.Background(), []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"nope"}
	]`))
	var resps []decoded
	if err := json.Unmarshal(out, &resps); err != nil {
		t.Fatalf("decode batch %s: %v", out, err)
	}
	if len(resps) != 2 || resps[0].Error != nil || resps[1].Error == nil {
		t.Fatalf("batch responses %s", out)
	}
}

func TestResources(t *testing.T) {
	env := newTestEnv(t, nil)

	d := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	var list struct {
		Resources  []Resource `json:"resources"`
		NextCursor *string    `json:"nextCursor"`
	}
	if err := json.Unmarshal(d.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Resources) != 1 || list.Resources[0].Name != "README.md" || list.NextCursor != nil {
		t.Fatalf("resources/list = %s", d.Result)
	}
	readmeURI := list.Resources[0].URI

	d = env.rpc(t, `{"jsonrpc":"2.0","id":2,"method":"resources/templates/list"}`)
	if !strings.Contains(string(d.Result), `/{path}"`) {
		t.Fatalf("templates = %s", d.Result)
	}

	req, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 3, "method": "resources/read", "params": map[string]string{"uri": readmeURI}})
	d = env.rpc(t, string(req))
	if d.Error != nil || !strings.Contains(string(d.Result), "# systerd") || !strings.Contains(string(d.Result), "text/markdown") {
		t.Fatalf("read = %s %+v", d.Result, d.Error)
	}

	req, _ = json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 4, "method": "resources/subscribe", "params": map[string]string{"uri": readmeURI}})
	d = env.rpc(t, string(req))
	if d.Error != nil || !strings.Contains(string(d.Result), "subscriptionId") {
		t.Fatalf("subscribe = %s %+v", d.Result, d.Error)
	}
	if n := env.engine.cfg.Resources.Subscriptions(readmeURI); n != 1 {
		t.Fatalf("subscriptions = %d", n)
	}
}

func TestResourcesRead_RejectsTraversal(t *testing.T) {
	env := newTestEnv(t, nil)
	outside := filepath.Join(filepath.Dir(env.root), "secret.txt")
	if err := os.Symlink(outside, filepath.Join(env.root, "link.txt")); err != nil {
		t.Fatal(err)
	}

	uris := []string{
		(&url.URL{Scheme: "file", Path: filepath.ToSlash(outside)}).String(),
		"file://" + filepath.ToSlash(env.root) + "/../secret.txt",
		(&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(env.root, "link.txt"))}).String(),
		"http://example.com/README.md",
	}
	for _, uri := range uris {
		req, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "resources/read", "params": map[string]string{"uri": uri}})
		d := env.rpc(t, string(req))
		if d.Error == nil || d.Error.Code != int(CodeResourceNotFound) {
			t.Fatalf("%s: expected resource-not-found, got result %s", uri, d.Result)
		}
		if strings.Contains(string(d.Result), "do not leak") {
			t.Fatalf("%s leaked file contents", uri)
		}
	}
}

func TestResourceCatalogListsOnlyWorkspaceFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"README.md", "config.yaml", "permissions.json"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	catalog, err := NewCatalog(root, DefaultResourceCandidates)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, r := range catalog.List() {
		names = append(names, r.Name)
	}
	if len(names) != 1 || names[0] != "README.md" {
		t.Fatalf("catalog = %v, want only README.md", names)
	}
}

func TestApprovalPendingIsAdvisoryAndAudited(t *testing.T) {
	dir := t.TempDir()
	modes, err := mode.Open(mode.Options{StatePath: filepath.Join(dir, "mode.json")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := modes.SetMode(mode.Hybrid); err != nil {
		t.Fatal(err)
	}
	trail, err := audit.Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	env := newTestEnv(t, func(c *Config) {
		c.Mode = modes
		c.Audit = trail
	})
	d := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	if d.Error != nil {
		t.Fatalf("AI_ASK call in hybrid mode should proceed: %+v", d.Error)
	}
	var res struct {
		Meta struct {
			Approval string `json:"approval"`
			Code     int    `json:"code"`
			Mode     string `json:"mode"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(d.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Meta.Approval != "pending" || res.Meta.Code != int(CodePermissionRequired) || res.Meta.Mode != "hybrid" {
		t.Fatalf("approval marker missing from result: %s", d.Result)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"decision":"approval_pending"`) || !strings.Contains(string(raw), `"mode":"hybrid"`) {
		t.Fatalf("audit entry %s", raw)
	}
}

func TestTransparentModeResultHasNoApprovalMarker(t *testing.T) {
	dir := t.TempDir()
	modes, err := mode.Open(mode.Options{StatePath: filepath.Join(dir, "mode.json")})
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(c *Config) { c.Mode = modes })
	d := env.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	if d.Error != nil {
		t.Fatalf("call failed: %+v", d.Error)
	}
	if strings.Contains(string(d.Result), `"_meta"`) {
		t.Fatalf("unexpected approval marker: %s", d.Result)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Interceptor {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, c *Call) (any, error) {
				order = append(order, name+">")
				r, err := next(ctx, c)
				order = append(order, "<"+name)
				return r, err
			}
		}
	}
	inv := Chain(func(context.Context, *Call) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, mk("a"), mk("b"))
	if _, err := inv(context.Background(), &Call{}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a>", "b>", "handler", "<b", "<a"}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}
