package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Transport is a framed duplex connection to one client. The WebSocket
// layer adapts gorilla connections to this; tests use in-memory pipes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Filters is the closed set of per-channel filter keys a client may set.
type Filters struct {
	Symbols []string `json:"symbols,omitempty"`
}

func (f Filters) symbolSet() map[string]struct{} {
	if len(f.Symbols) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(f.Symbols))
	for _, s := range f.Symbols {
		set[s] = struct{}{}
	}
	return set
}

// clientFrame is one inbound message from a client.
type clientFrame struct {
	Type    string  `json:"type"`
	Channel string  `json:"channel,omitempty"`
	Filters Filters `json:"filters,omitempty"`
}

// Session is one connected client. The outbound queue is served by a
// dedicated writer goroutine; enqueueing never blocks.
type Session struct {
	ID          string
	ConnectedAt time.Time

	hub       *Hub
	transport Transport
	send      chan []byte
	done      chan struct{}

	mu            sync.Mutex
	channels      map[string]Filters
	lastHeartbeat time.Time
	closed        bool
}

func (s *Session) heartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) touchHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// Channels returns the session's subscribed channels.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Session) filtersFor(channel string) (Filters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.channels[channel]
	return f, ok
}

// Enqueue queues a payload for delivery. Returns false when the queue is
// full or the session is closed; the caller flags such sessions for
// disconnection.
func (s *Session) Enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// sendJSON marshals and enqueues a control reply. A session that cannot
// even take a control frame is wedged and gets disconnected, same as on
// the broadcast path.
func (s *Session) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !s.Enqueue(payload) {
		s.hub.Disconnect(s.ID)
	}
}

// writePump drains the outbound queue onto the transport. A write error
// tears the session down.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.transport.WriteMessage(payload); err != nil {
				s.hub.Disconnect(s.ID)
				return
			}
		}
	}
}

// readLoop processes inbound frames until the transport fails or the
// session closes. Runs on the caller's goroutine.
func (s *Session) readLoop() {
	defer s.hub.Disconnect(s.ID)
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendJSON(map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	switch frame.Type {
	case "ping":
		now := s.hub.now()
		s.touchHeartbeat(now)
		s.sendJSON(map[string]any{"type": "pong", "timestamp": now.Unix()})

	case "subscribe":
		if err := s.hub.Subscribe(s.ID, frame.Channel, frame.Filters); err != nil {
			s.sendJSON(map[string]any{"type": "error", "message": err.Error()})
			return
		}
		s.sendJSON(map[string]any{
			"type": "subscribed", "channel": frame.Channel, "filters": frame.Filters,
		})

	case "unsubscribe":
		s.hub.Unsubscribe(s.ID, frame.Channel)
		s.sendJSON(map[string]any{"type": "unsubscribed", "channel": frame.Channel})

	case "snapshot":
		s.sendJSON(map[string]any{"type": "error", "message": "Snapshot not implemented"})

	default:
		s.sendJSON(map[string]any{
			"type": "error", "message": fmt.Sprintf("Unknown message type: %s", frame.Type),
		})
	}
}
