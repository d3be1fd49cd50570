// Package transport exposes the protocol engine over stdio, HTTP,
// server-sent events and WebSocket. Every transport hands raw JSON-RPC
// messages to the same Handler.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/systerd/internal/bus"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/shared"
)

const (
	DefaultKeepAlive    = 30 * time.Second
	defaultMaxBodyBytes = 10 * 1024 * 1024
	shutdownGrace       = 5 * time.Second
)

// Handler processes one raw JSON-RPC message and returns the encoded
// response, or nil when nothing is to be sent.
type Handler interface {
	Handle(ctx context.Context, raw []byte) []byte
}

// ToolLister backs GET /tools.
type ToolLister interface {
	ListTools() []protocol.ToolInfo
}

type Config struct {
	Handler Handler
	Tools   ToolLister
	// Live, when set, feeds NeuroBus rows to WebSocket clients.
	Live *bus.Bus
	// Health returns extra fields for GET /healthz. A false "healthy"
	// field turns the status into 503.
	Health       func(ctx context.Context) map[string]any
	AuthToken    string
	AllowOrigins []string
	KeepAlive    time.Duration
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server is the HTTP front: plain JSON-RPC POSTs, SSE and WebSocket.
type Server struct {
	cfg    Config
	logger *slog.Logger

	sseMu      sync.RWMutex
	sseClients map[string]*sseClient

	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("transport: handler is required")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		sseClients: map[string]*sseClient{},
		wsClients:  map[*wsClient]struct{}{},
	}, nil
}

// Handler returns the routed, authenticated HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /ws", s.handleWS)
	return allowOrigins(s.cfg.AllowOrigins, requireToken(s.cfg.AuthToken, mux))
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http: listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http: shutdown", "error", err)
		_ = srv.Close()
	}
	s.logger.Info("http: stopped")
	return nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	ctx := shared.WithClientID(r.Context(), "http:"+r.RemoteAddr)
	resp := s.cfg.Handler.Handle(ctx, body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"healthy": true}
	if s.cfg.Health != nil {
		for k, v := range s.cfg.Health(r.Context()) {
			payload[k] = v
		}
	}
	s.sseMu.RLock()
	payload["sse_clients"] = len(s.sseClients)
	s.sseMu.RUnlock()
	s.wsMu.Lock()
	payload["ws_clients"] = len(s.wsClients)
	s.wsMu.Unlock()

	status := http.StatusOK
	if healthy, _ := payload["healthy"].(bool); !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Tools == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []protocol.ToolInfo{}})
		return
	}
	tools := s.cfg.Tools.ListTools()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(tools), "tools": tools})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
