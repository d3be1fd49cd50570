package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/basket/systerd/internal/bus"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/shared"
)

// echoHandler answers every request with its method name and the caller's
// client id; messages without an id get no response.
type echoHandler struct {
	mu      sync.Mutex
	clients []string
}

func (h *echoHandler) Handle(ctx context.Context, raw []byte) []byte {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`)
	}
	h.mu.Lock()
	h.clients = append(h.clients, shared.ClientID(ctx))
	h.mu.Unlock()
	if len(req.ID) == 0 {
		return nil
	}
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]any{"method": req.Method},
	})
	return out
}

func (h *echoHandler) client(i int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.clients) {
		return ""
	}
	return h.clients[i]
}

type staticTools []protocol.ToolInfo

func (s staticTools) ListTools() []protocol.ToolInfo { return s }

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Handler == nil {
		cfg.Handler = &echoHandler{}
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestServeStdio(t *testing.T) {
	h := &echoHandler{}
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n"))
	var out bytes.Buffer

	if err := ServeStdio(context.Background(), h, in, &out, nil); err != nil {
		t.Fatalf("serve stdio: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], `"initialize"`) || !strings.Contains(lines[1], `"tools/list"`) {
		t.Fatalf("responses out of order: %q", lines)
	}
	if h.client(0) != "stdio" {
		t.Fatalf("client id = %q", h.client(0))
	}
}

func TestServeStdio_StopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeStdio(ctx, &echoHandler{}, pr, io.Discard, nil) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio did not return after cancel")
	}
}

func TestHTTP_RPC(t *testing.T) {
	h := &echoHandler{}
	_, ts := newTestServer(t, Config{Handler: h})

	for _, path := range []string{"/mcp", "/"} {
		resp := post(t, ts.URL+path, `{"jsonrpc":"2.0","id":7,"method":"ping"}`, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		var got map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got["id"] != float64(7) {
			t.Fatalf("%s response = %v", path, got)
		}
	}

	resp := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("notification status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /mcp status = %d", getResp.StatusCode)
	}
	if !strings.HasPrefix(h.client(0), "http:") {
		t.Fatalf("client id = %q", h.client(0))
	}
}

func TestHTTP_BearerAuth(t *testing.T) {
	_, ts := newTestServer(t, Config{AuthToken: "s3cret-token"})
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	cases := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", http.Header{"Authorization": {"Bearer nope"}}, http.StatusForbidden},
		{"bearer", http.Header{"Authorization": {"Bearer s3cret-token"}}, http.StatusOK},
		{"api key header", http.Header{"X-Api-Key": {"s3cret-token"}}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/mcp", body, tc.header)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should bypass auth, got %d", resp.StatusCode)
	}
}

func TestHTTP_HealthzAndTools(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	tools := staticTools{{Name: "echo", Description: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	_, ts := newTestServer(t, Config{
		Tools: tools,
		Health: func(context.Context) map[string]any {
			return map[string]any{"healthy": healthy.Load(), "mode": "hybrid"}
		},
	})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["mode"] != "hybrid" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, health)
	}

	healthy.Store(false)
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/tools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var listed struct {
		Count int                 `json:"count"`
		Tools []protocol.ToolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]protocol.ToolInfo(tools), listed.Tools); diff != "" {
		t.Fatalf("tools mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowOrigins: []string{"https://console.example"}})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://console.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_EndpointAndMessage(t *testing.T) {
	_, ts := newTestServer(t, Config{KeepAlive: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	event, endpoint := readSSEEvent(t, r)
	if event != "endpoint" || !strings.HasPrefix(endpoint, "/message?session_id=") {
		t.Fatalf("first event = %q %q", event, endpoint)
	}

	msg := post(t, ts.URL+endpoint, `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`, nil)
	if msg.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /message status = %d", msg.StatusCode)
	}

	event, data := readSSEEvent(t, r)
	if event != "message" || !strings.Contains(data, `"tools/list"`) || !strings.Contains(data, `"abc"`) {
		t.Fatalf("message event = %q %q", event, data)
	}

	unknown := post(t, ts.URL+"/message?session_id=missing", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if unknown.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", unknown.StatusCode)
	}
}

func TestWS_RequestAndNeuroBusPush(t *testing.T) {
	live := bus.New()
	_, ts := newTestServer(t, Config{Live: live})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"initialize"`) {
		t.Fatalf("response = %s", data)
	}

	waitFor(t, 2*time.Second, func() bool { return live.SubscriberCount() == 1 })
	live.Publish(bus.TopicNeuroBusPrefix+"task.completed", map[string]any{"topic": "task.completed", "kind": "event"})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var note protocol.Notification
	if err := json.Unmarshal(data, &note); err != nil {
		t.Fatal(err)
	}
	if note.Method != MethodNeuroBusEvent {
		t.Fatalf("notification method = %q", note.Method)
	}
	params, _ := note.Params.(map[string]any)
	if params["topic"] != "task.completed" {
		t.Fatalf("params = %v", note.Params)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, 2*time.Second, func() bool { return live.SubscriberCount() == 0 })
}
