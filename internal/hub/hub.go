// Package hub tracks live client sessions, their channel subscriptions
// and filters, and fans bus messages out to them.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketsim/internal/bus"
	"marketsim/pkg/types"
)

// Hub owns the session registry and the per-channel subscriber index.
// It installs exactly one bridge handler per channel, on the first local
// subscriber, and removes it when the last one leaves.
type Hub struct {
	bridge *bus.Bridge
	logger *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*Session
	subscribers map[string]map[string]*Session // channel → session id → session

	// bridgeMu serialises upstream attach/detach. Without it a
	// last-unsubscribe could tear down the bridge channel a concurrent
	// first-subscribe just installed, leaving a registered subscriber
	// with no upstream subscription.
	bridgeMu sync.Mutex

	heartbeat  time.Duration
	sendBuffer int
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(bridge *bus.Bridge, heartbeat time.Duration, sendBuffer int, logger *slog.Logger) *Hub {
	return &Hub{
		bridge:      bridge,
		logger:      logger.With("component", "hub"),
		sessions:    make(map[string]*Session),
		subscribers: make(map[string]map[string]*Session),
		heartbeat:   heartbeat,
		sendBuffer:  sendBuffer,
		now:         time.Now,
	}
}

// Start launches the heartbeat reaper.
func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.reaperLoop(ctx)
	}()
}

// Stop disconnects every session and stops the reaper.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
	h.wg.Wait()
}

// Accept registers the transport as a new session, sends the connected
// frame and starts the writer. The returned session's Serve method must
// then be driven by the caller.
func (h *Hub) Accept(t Transport) *Session {
	now := h.now()
	s := &Session{
		ID:            uuid.NewString(),
		ConnectedAt:   now,
		hub:           h,
		transport:     t,
		send:          make(chan []byte, h.sendBuffer),
		done:          make(chan struct{}),
		channels:      make(map[string]Filters),
		lastHeartbeat: now,
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	total := len(h.sessions)
	h.mu.Unlock()

	go s.writePump()
	s.sendJSON(map[string]any{
		"type": "connected", "client_id": s.ID, "server_time": now.UTC().Format(time.RFC3339),
	})
	h.logger.Info("session connected", "session_id", s.ID, "sessions", total)
	return s
}

// Serve runs the session's read loop until disconnect. Blocks.
func (h *Hub) Serve(s *Session) {
	s.readLoop()
}

// syncChannel reconciles the upstream bridge subscription for channel
// with the local subscriber set. Registry changes happen under h.mu
// before this is called; the reconcile itself is serialised under
// bridgeMu and re-reads the registry, so concurrent subscribe and
// unsubscribe on the same channel converge on the registry's state
// whatever the interleaving.
func (h *Hub) syncChannel(channel string) error {
	h.bridgeMu.Lock()
	defer h.bridgeMu.Unlock()

	h.mu.RLock()
	want := len(h.subscribers[channel]) > 0
	h.mu.RUnlock()

	switch {
	case want && !h.bridge.Subscribed(channel):
		return h.bridge.Subscribe(context.Background(), channel, func(ch string, payload []byte) {
			h.Broadcast(ch, payload)
		})
	case !want && h.bridge.Subscribed(channel):
		h.bridge.Unsubscribe(channel)
	}
	return nil
}

// Subscribe adds channel (with filters) to the session. The first local
// subscriber to a channel installs the upstream bridge handler.
func (h *Hub) Subscribe(sessionID, channel string, f Filters) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.mu.Lock()
	s.channels[channel] = f
	s.mu.Unlock()
	if h.subscribers[channel] == nil {
		h.subscribers[channel] = make(map[string]*Session)
	}
	h.subscribers[channel][sessionID] = s
	h.mu.Unlock()

	if err := h.syncChannel(channel); err != nil {
		h.mu.Lock()
		delete(h.subscribers[channel], sessionID)
		if len(h.subscribers[channel]) == 0 {
			delete(h.subscribers, channel)
		}
		h.mu.Unlock()
		s.mu.Lock()
		delete(s.channels, channel)
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

// Unsubscribe removes channel from the session; the last local
// subscriber leaving releases the upstream bridge subscription.
func (h *Hub) Unsubscribe(sessionID, channel string) {
	h.mu.Lock()
	if s, ok := h.sessions[sessionID]; ok {
		s.mu.Lock()
		delete(s.channels, channel)
		s.mu.Unlock()
	}
	if set, ok := h.subscribers[channel]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.subscribers, channel)
		}
	}
	h.mu.Unlock()

	if err := h.syncChannel(channel); err != nil {
		h.logger.Error("channel resync failed", "channel", channel, "error", err)
	}
}

// Disconnect tears a session down and cleans up its subscriptions.
// Idempotent.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.mu.Unlock()
		return
	}
	s.closed = true
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]Filters)
	s.mu.Unlock()

	for _, ch := range channels {
		if set, ok := h.subscribers[ch]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(h.subscribers, ch)
			}
		}
	}
	remaining := len(h.sessions)
	h.mu.Unlock()

	close(s.done)
	s.transport.Close()
	for _, ch := range channels {
		if err := h.syncChannel(ch); err != nil {
			h.logger.Error("channel resync failed", "channel", ch, "error", err)
		}
	}
	h.logger.Info("session disconnected", "session_id", sessionID, "sessions", remaining)
}

// Broadcast delivers one bus message to every local subscriber of
// channel, applying per-session filters. Enqueue failures flag the
// session for disconnection.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.subscribers[channel]))
	for _, s := range h.subscribers[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var failed []string
	for _, s := range subs {
		f, ok := s.filtersFor(channel)
		if !ok {
			continue
		}
		out, deliver := applyFilters(payload, f)
		if !deliver {
			continue
		}
		if !s.Enqueue(out) {
			h.logger.Warn("outbound queue full, disconnecting session",
				"session_id", s.ID, "channel", channel)
			failed = append(failed, s.ID)
		}
	}
	// Broadcast runs on the bridge receive loop, and Disconnect may need
	// to release that same channel's upstream subscription, which waits
	// for the loop. Tear down on a separate goroutine.
	for _, id := range failed {
		go h.Disconnect(id)
	}
}

// applyFilters rewrites or drops a message for a session's filter
// config. Aggregate payloads are rewritten to the matching subset;
// per-instrument payloads are dropped unless their symbol matches.
func applyFilters(payload []byte, f Filters) ([]byte, bool) {
	set := f.symbolSet()
	if set == nil {
		return payload, true
	}

	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payload, true
	}

	switch envelope.Type {
	case types.MsgStockUpdate:
		var data types.StockRecord
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return payload, true
		}
		_, ok := set[data.Symbol]
		return payload, ok

	case types.MsgMarketUpdate:
		var data types.MarketUpdateData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return payload, true
		}
		kept := make([]types.StockRecord, 0, len(set))
		for _, rec := range data.Stocks {
			if _, ok := set[rec.Symbol]; ok {
				kept = append(kept, rec)
			}
		}
		data.Stocks = kept
		out, err := json.Marshal(types.MarketUpdateMsg{Type: envelope.Type, Data: data})
		if err != nil {
			return payload, true
		}
		return out, true

	default:
		return payload, true
	}
}

// reaperLoop closes sessions whose heartbeat went stale (2× the
// heartbeat interval).
func (h *Hub) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := h.now().Add(-2 * h.heartbeat)
			h.mu.RLock()
			var stale []string
			for id, s := range h.sessions {
				if s.heartbeatAt().Before(deadline) {
					stale = append(stale, id)
				}
			}
			h.mu.RUnlock()
			for _, id := range stale {
				h.logger.Info("reaping stale session", "session_id", id)
				h.Disconnect(id)
			}
		}
	}
}

// Stats summarises hub state for the stats endpoint.
type Stats struct {
	Sessions int            `json:"total_connections"`
	Channels map[string]int `json:"channels"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Sessions: len(h.sessions), Channels: make(map[string]int, len(h.subscribers))}
	for ch, set := range h.subscribers {
		st.Channels[ch] = len(set)
	}
	return st
}
