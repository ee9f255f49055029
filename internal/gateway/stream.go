package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/finchbase/finch/internal/bus"
)

// client is one connected WebSocket consumer of the event stream.
type client struct {
	conn   *websocket.Conn
	taskID string // empty means all tasks
}

// streamEvent is the wire envelope for forwarded bus events.
type streamEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// handleWS upgrades to a WebSocket and streams task lifecycle events until
// the client disconnects. A task_id query parameter narrows the stream to
// one ask.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &client{conn: conn, taskID: r.URL.Query().Get("task_id")}
	s.addClient(c)
	s.logger.Info("ws client connected", "task_filter", c.taskID)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("ask.")
	defer s.cfg.Bus.Unsubscribe(sub)

	// Reads are drained only to detect disconnects; the stream is one-way.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if c.taskID != "" && eventTaskID(ev) != c.taskID {
				continue
			}
			if err := wsjson.Write(r.Context(), conn, streamEvent{Type: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

func eventTaskID(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.AskStateChangedEvent:
		return p.TaskID
	case bus.AskCompletedEvent:
		return p.TaskID
	case bus.AskFailedEvent:
		return p.TaskID
	case bus.RetrievalDegradedEvent:
		return p.TaskID
	}
	return ""
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// Broadcast pushes an ad-hoc event to every connected client. Used for
// service-level notices such as config reloads.
func (s *Server) Broadcast(ctx context.Context, eventType string, payload any) {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		_ = wsjson.Write(ctx, c.conn, streamEvent{Type: eventType, Payload: payload})
	}
}

// StartRateLimitEviction launches the background pruning of idle rate limit
// buckets.
func (s *Server) StartRateLimitEviction(ctx context.Context) {
	s.limiter.startEviction(ctx, 10*time.Minute, 30*time.Minute)
}
