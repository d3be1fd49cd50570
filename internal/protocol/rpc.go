// Package protocol implements the JSON-RPC/MCP dispatcher that fronts the
// tool registry, permission store and resource catalog.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Version is the JSON-RPC envelope version.
const Version = "2.0"

// MCPProtocolVersion is reported by initialize.
const MCPProtocolVersion = "2024-11-05"

// Request is one JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no usable id.
func (r Request) IsNotification() bool {
	id := bytes.TrimSpace(r.ID)
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// Response is a JSON-RPC response. ID is echoed verbatim; nil encodes as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the wire error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-initiated message without id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NormalizeMethod maps spelling variants onto canonical MCP method names:
// a leading "mcp." or "mcp/" is dropped and dots become slashes.
func NormalizeMethod(method string) string {
	m := strings.TrimSpace(method)
	switch {
	case strings.HasPrefix(m, "mcp."):
		m = m[len("mcp."):]
	case strings.HasPrefix(m, "mcp/"):
		m = m[len("mcp/"):]
	}
	return strings.ReplaceAll(m, ".", "/")
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: int(e.Code), Message: e.Message, Data: e.Data()},
	}
}
