package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/systerd/internal/protocol"
)

// RemoteError is a JSON-RPC error returned by a running daemon.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client talks to a running daemon over its HTTP transport.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	seq atomic.Int64
}

// NewClient accepts either a bind address ("127.0.0.1:8089") or a full URL.
func NewClient(addr, token string) *Client {
	return &Client{
		BaseURL: BaseURL(addr),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL turns a bind address into an http URL without trailing slash.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}

// Health fetches /healthz. A 503 still returns the decoded document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("health request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("health: decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return out, fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	return out, nil
}

// Call issues one JSON-RPC request to /mcp and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		rawParams = b
	}
	id, _ := json.Marshal(c.seq.Add(1))
	body, err := json.Marshal(protocol.Request{JSONRPC: protocol.Version, ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rpc %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var rpcResp struct {
		Result json.RawMessage    `json:"result"`
		Error  *protocol.RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("rpc %s: decode: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, &RemoteError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Data: rpcResp.Error.Data}
	}
	return rpcResp.Result, nil
}

// CallTool runs tools/call and decodes the tool's own result into out.
func (c *Client) CallTool(ctx context.Context, name string, args any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.Call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return err
	}
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("tool %s: decode result: %w", name, err)
	}
	if len(res.Content) == 0 {
		return fmt.Errorf("tool %s: empty result", name)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), out); err != nil {
		return fmt.Errorf("tool %s: decode content: %w", name, err)
	}
	return nil
}
