package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/basket/systerd/internal/bus"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/shared"
)

// MethodNeuroBusEvent is the notification pushed to WebSocket clients for
// every committed NeuroBus row.
const MethodNeuroBusEvent = "notifications/neurobus/event"

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// handleWS implements GET /ws: one JSON-RPC message per text frame, plus
// server-pushed NeuroBus notifications.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always accepted by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	c := &wsClient{conn: conn}

	s.wsMu.Lock()
	s.wsClients[c] = struct{}{}
	s.wsMu.Unlock()
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.wsMu.Lock()
		delete(s.wsClients, c)
		s.wsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
	}()

	if s.cfg.Live != nil {
		sub := s.cfg.Live.Subscribe(bus.TopicNeuroBusPrefix)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.cfg.Live.Unsubscribe(sub)
			s.forwardNeuroBus(ctx, c, sub)
		}()
	}

	rpcCtx := shared.WithClientID(ctx, "ws:"+r.RemoteAddr)
	for {
		typ, data, err := conn.Read(rpcCtx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		resp := s.cfg.Handler.Handle(rpcCtx, data)
		if resp == nil {
			continue
		}
		if err := c.write(rpcCtx, resp); err != nil {
			s.logger.Debug("ws: write response failed", "error", err)
			return
		}
	}
}

func (s *Server) forwardNeuroBus(ctx context.Context, c *wsClient, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(protocol.Notification{
				JSONRPC: protocol.Version,
				Method:  MethodNeuroBusEvent,
				Params:  ev.Payload,
			})
			if err != nil {
				s.logger.Error("ws: marshal neurobus event", "topic", ev.Topic, "error", err)
				continue
			}
			if err := c.write(ctx, data); err != nil {
				return
			}
		}
	}
}
