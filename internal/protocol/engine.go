package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/systerd/internal/audit"
	"github.com/basket/systerd/internal/mode"
	sysotel "github.com/basket/systerd/internal/otel"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/registry"
	"github.com/basket/systerd/internal/shared"
)

// DefaultToolTimeout bounds a tools/call when Config.ToolTimeout is zero.
const DefaultToolTimeout = 30 * time.Second

// Config wires the engine to its collaborators. Registry and Permissions
// are required; the rest are optional.
type Config struct {
	Registry    *registry.Registry
	Permissions *permission.Store
	Mode        *mode.Controller
	Resources   *Catalog
	Audit       *audit.Trail
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *sysotel.Metrics
	// ToolTimeout bounds each tools/call; negative disables the bound.
	ToolTimeout time.Duration
	ServerName  string
	Version     string
	// Interceptors run inside the built-in chain, just before the handler.
	Interceptors []Interceptor
}

// Engine dispatches JSON-RPC requests. It is safe for concurrent use; each
// transport connection serializes its own requests.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	invoke Invoker
}

// ToolInfo is one tools/list entry.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// New builds an engine and its interceptor chain.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("protocol: registry is required")
	}
	if cfg.Permissions == nil {
		return nil, errors.New("protocol: permission store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "systerd-lite"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	e := &Engine{cfg: cfg, logger: cfg.Logger}

	chain := []Interceptor{
		TelemetryInterceptor(cfg.Tracer, cfg.Metrics, cfg.Logger),
		AuditInterceptor(cfg.Audit),
		PermissionInterceptor(cfg.Permissions, cfg.Mode, cfg.Logger),
		ValidationInterceptor(cfg.Registry),
	}
	chain = append(chain, cfg.Interceptors...)
	chain = append(chain, TimeoutInterceptor(cfg.ToolTimeout))
	e.invoke = Chain(e.callHandler, chain...)
	return e, nil
}

// Handle processes one raw message (single request or batch) and returns
// the encoded response, or nil when nothing must be sent back.
func (e *Engine) Handle(ctx context.Context, raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		return e.handleBatch(ctx, raw)
	}
	resp := e.handleRaw(ctx, raw)
	if resp == nil {
		return nil
	}
	return e.encode(resp)
}

func (e *Engine) handleBatch(ctx context.Context, raw []byte) []byte {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return e.encode(errorResponse(nil, NewError(KindProtocol, CodeParseError, "Parse error", err)))
	}
	if len(items) == 0 {
		return e.encode(errorResponse(nil, NewError(KindProtocol, CodeInvalidRequest, "Invalid Request: empty batch", nil)))
	}
	var out []*Response
	for _, item := range items {
		if resp := e.handleRaw(ctx, item); resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		e.logger.Error("encode batch response failed", "error", err)
		return nil
	}
	return b
}

func (e *Engine) handleRaw(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		e.logger.Warn("rpc: malformed message", "error", err)
		return errorResponse(nil, NewError(KindProtocol, CodeParseError, "Parse error", err))
	}
	return e.HandleRequest(ctx, req)
}

// HandleRequest dispatches a decoded request. It never panics; every
// failure becomes a JSON-RPC error. Notifications yield nil.
func (e *Engine) HandleRequest(ctx context.Context, req Request) (resp *Response) {
	notify := req.IsNotification()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rpc: panic in dispatch", "method", req.Method, "panic", r)
			resp = nil
			if !notify {
				resp = errorResponse(req.ID, NewError(KindProtocol, CodeInternalError, fmt.Sprintf("Internal error: %v", r), nil))
			}
		}
	}()

	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	if req.JSONRPC != Version || strings.TrimSpace(req.Method) == "" {
		if notify {
			return nil
		}
		return errorResponse(req.ID, NewError(KindProtocol, CodeInvalidRequest, "Invalid Request", nil))
	}

	method := NormalizeMethod(req.Method)
	if strings.HasPrefix(method, "notifications/") {
		e.handleNotification(ctx, method, req.Params)
		if notify {
			return nil
		}
		return resultResponse(req.ID, map[string]any{})
	}

	start := time.Now()
	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = sysotel.StartServerSpan(ctx, e.cfg.Tracer, "rpc "+method, sysotel.AttrMethod.String(method),
			sysotel.AttrClientID.String(shared.ClientID(ctx)))
		defer span.End()
	}
	result, perr := e.dispatch(ctx, method, req.Params)
	e.cfg.Metrics.RecordRequest(ctx, method, time.Since(start))
	e.logger.Debug("rpc request", "method", req.Method, "normalized", method, "trace_id", shared.TraceID(ctx),
		"duration_ms", time.Since(start).Milliseconds(), "error", perr != nil)

	if notify {
		return nil
	}
	if perr != nil {
		return errorResponse(req.ID, perr)
	}
	return resultResponse(req.ID, result)
}

func (e *Engine) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "initialize":
		return e.initialize(), nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": e.ListTools()}, nil
	case "tools/call":
		return e.toolsCall(ctx, params)
	case "resources/list":
		return map[string]any{"resources": e.resources().List(), "nextCursor": nil}, nil
	case "resources/templates/list":
		return map[string]any{"resourceTemplates": e.resources().Templates()}, nil
	case "resources/read":
		return e.resourcesRead(params)
	case "resources/subscribe":
		return e.resourcesSubscribe(params)
	}
	e.logger.Warn("rpc: unsupported method", "method", method)
	return nil, &Error{Kind: KindProtocol, Code: CodeMethodNotFound, Message: "Method not found", Details: map[string]any{"method": method}}
}

func (e *Engine) initialize() map[string]any {
	return map[string]any{
		"protocolVersion": MCPProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{"subscribe": true, "listChanged": false},
		},
		"serverInfo": map[string]any{"name": e.cfg.ServerName, "version": e.cfg.Version},
	}
}

// ListTools reloads the permission file and returns every tool whose level
// is not DISABLED, sorted by name.
func (e *Engine) ListTools() []ToolInfo {
	if err := e.cfg.Permissions.Load(); err != nil {
		e.logger.Warn("permission reload failed, using cached levels", "error", err)
	}
	descs := e.cfg.Registry.List()
	out := make([]ToolInfo, 0, len(descs))
	for _, d := range descs {
		if !e.cfg.Permissions.Check(d.Name).Allows() {
			continue
		}
		out = append(out, ToolInfo{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (e *Engine) toolsCall(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p callParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(KindProtocol, CodeInvalidParams, "Invalid params", err)
		}
	}
	if p.Name == "" {
		return nil, NewError(KindProtocol, CodeInvalidParams, "Missing tool name", nil)
	}
	call := &Call{Tool: p.Name, Args: p.Arguments}
	result, err := e.run(ctx, call)
	if err != nil {
		return nil, err
	}
	text, merr := json.Marshal(result)
	if merr != nil {
		return nil, ExecutionFailed(p.Name, fmt.Errorf("encode result: %w", merr))
	}
	out := map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(text)}},
		"structuredContent": structured(result, text),
	}
	if call.Pending {
		out["_meta"] = approvalMeta(call)
	}
	return out, nil
}

// approvalMeta tells the client an AI_ASK call ran under a mode that wants
// approval. Approval is advisory, so this rides on a successful result.
func approvalMeta(call *Call) map[string]any {
	return map[string]any{
		"approval":  "pending",
		"code":      int(CodePermissionRequired),
		"code_name": CodePermissionRequired.Name(),
		"mode":      string(call.Mode),
		"tool":      call.Tool,
	}
}

// CallTool runs the named tool through the full interceptor chain and
// returns its raw result or a classified error.
func (e *Engine) CallTool(ctx context.Context, name string, args json.RawMessage) (any, *Error) {
	return e.run(ctx, &Call{Tool: name, Args: args})
}

// run executes call and leaves the interceptors' annotations on it.
func (e *Engine) run(ctx context.Context, call *Call) (result any, perr *Error) {
	name := call.Tool
	if _, ok := e.cfg.Registry.Lookup(name); !ok {
		return nil, &Error{
			Kind:    KindProtocol,
			Code:    CodeMethodNotFound,
			Message: "Tool not found: " + name,
			Details: map[string]any{"tool": name},
		}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked", "tool", name, "panic", r)
			result, perr = nil, panicError(name, r)
		}
	}()
	call.Started = time.Now()
	out, err := e.invoke(ctx, call)
	if err != nil {
		return nil, classify(name, err)
	}
	return out, nil
}

func (e *Engine) callHandler(ctx context.Context, call *Call) (any, error) {
	d, ok := e.cfg.Registry.Lookup(call.Tool)
	if !ok {
		return nil, fmt.Errorf("tool %q vanished from registry", call.Tool)
	}
	return d.Handler.Call(ctx, call.Args)
}

func classify(tool string, err error) *Error {
	if errors.Is(err, registry.ErrInvalidArguments) {
		var pe *Error
		if !errors.As(err, &pe) {
			return invalidParams(tool, err)
		}
	}
	return AsError(tool, err)
}

// structured returns result as a JSON object for structuredContent,
// wrapping non-object values under "result".
func structured(result any, encoded []byte) any {
	if t := bytes.TrimSpace(encoded); len(t) > 0 && t[0] == '{' {
		return result
	}
	return map[string]any{"result": result}
}

type uriParams struct {
	URI string `json:"uri"`
}

func (e *Engine) resourcesRead(params json.RawMessage) (any, *Error) {
	var p uriParams
	_ = json.Unmarshal(params, &p)
	if p.URI == "" {
		return nil, NewError(KindProtocol, CodeInvalidParams, "Missing resource URI", nil)
	}
	content, err := e.resources().Read(p.URI)
	if err != nil {
		return nil, AsError("resources/read", err)
	}
	return map[string]any{"contents": []ResourceContent{content}}, nil
}

func (e *Engine) resourcesSubscribe(params json.RawMessage) (any, *Error) {
	var p uriParams
	_ = json.Unmarshal(params, &p)
	if p.URI == "" {
		return nil, NewError(KindProtocol, CodeInvalidParams, "Missing URI for subscription", nil)
	}
	id, err := e.resources().Subscribe(p.URI)
	if err != nil {
		return nil, AsError("resources/subscribe", err)
	}
	return map[string]any{"subscriptionId": id, "uri": p.URI}, nil
}

func (e *Engine) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "notifications/cancelled":
		e.logger.Info("client cancelled request (advisory, not enforced)", "params", string(params), "trace_id", shared.TraceID(ctx))
	default:
		e.logger.Debug("notification received", "method", method)
	}
}

var emptyCatalog = &Catalog{byURI: map[string]Resource{}, subs: map[string]map[string]struct{}{}}

func (e *Engine) resources() *Catalog {
	if e.cfg.Resources == nil {
		return emptyCatalog
	}
	return e.cfg.Resources
}

func (e *Engine) encode(resp *Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		e.logger.Error("encode response failed", "error", err)
		fallback := errorResponse(resp.ID, NewError(KindProtocol, CodeInternalError, "Internal error: unencodable result", err))
		b, _ = json.Marshal(fallback)
	}
	return b
}
