package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the frame pushed to websocket clients for every matching bus event.
type wsEvent struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *client) close() {
	_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
}

// handleWS streams bus events. ?topics=wake.,survival. restricts the stream to those
// topic prefixes; without it every event is forwarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: client connected", "topics", prefixes)

	// Clients only listen; CloseRead handles control frames and reports disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !matchesTopic(ev.Topic, prefixes) {
				continue
			}
			if err := c.write(ctx, wsEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload}); err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func matchesTopic(topic string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
