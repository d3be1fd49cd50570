package transport

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/basket/systerd/internal/shared"
)

const sseBuffer = 64

type sseClient struct {
	id string
	ch chan []byte
}

// handleSSE implements GET /sse. The first event names the endpoint the
// client must POST requests to; responses follow as message events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	c := &sseClient{id: uuid.NewString(), ch: make(chan []byte, sseBuffer)}
	s.sseMu.Lock()
	s.sseClients[c.id] = c
	s.sseMu.Unlock()
	defer func() {
		s.sseMu.Lock()
		delete(s.sseClients, c.id)
		s.sseMu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: /message?session_id=%s\n\n", c.id); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Info("sse: client connected", "session_id", c.id)

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "session_id", c.id)
			return
		case msg := <-c.ch:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				s.logger.Debug("sse: write failed", "session_id", c.id, "error", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleMessage implements POST /message. The response goes to the named
// session, or to every SSE client when no session is given.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		s.sseMu.RLock()
		_, ok := s.sseClients[sessionID]
		s.sseMu.RUnlock()
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
	}

	ctx := shared.WithClientID(r.Context(), "sse:"+sessionID)
	resp := s.cfg.Handler.Handle(ctx, body)
	if resp != nil {
		s.sendSSE(sessionID, resp)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sendSSE(sessionID string, msg []byte) {
	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for id, c := range s.sseClients {
		if sessionID != "" && id != sessionID {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			s.logger.Warn("sse: client buffer full, dropping message", "session_id", id)
		}
	}
}
