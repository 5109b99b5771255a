package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives decoded messages for one channel. Handlers run on the
// bridge's per-channel receive loop and must return quickly; anything
// slow belongs behind a queue on the handler's side.
type Handler func(channel string, payload []byte)

// Bridge multiplexes local handlers onto upstream bus subscriptions,
// holding exactly one upstream subscription per channel no matter how
// many handlers register for it.
type Bridge struct {
	bus    Bus
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*bridgeChannel
	closed   bool
}

type bridgeChannel struct {
	sub      Subscription
	handlers []Handler
	done     chan struct{}
}

func NewBridge(b Bus, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      b,
		logger:   logger.With("component", "bridge"),
		channels: make(map[string]*bridgeChannel),
	}
}

// Publish forwards to the bus. Fire-and-forget for callers: errors are
// returned for logging but must not fail the tick.
func (b *Bridge) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.bus.Publish(ctx, channel, payload)
}

// Subscribe registers h for channel, creating the upstream subscription
// on the first handler.
func (b *Bridge) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if bc, ok := b.channels[channel]; ok {
		bc.handlers = append(bc.handlers, h)
		return nil
	}

	sub, err := b.bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	bc := &bridgeChannel{sub: sub, handlers: []Handler{h}, done: make(chan struct{})}
	b.channels[channel] = bc
	go b.receiveLoop(channel, bc)
	return nil
}

// Unsubscribe drops every handler for channel and cancels the upstream
// subscription. A channel nobody listens to costs the bus nothing.
func (b *Bridge) Unsubscribe(channel string) {
	b.mu.Lock()
	bc, ok := b.channels[channel]
	if ok {
		delete(b.channels, channel)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	bc.sub.Cancel()
	<-bc.done
}

// Subscribed reports whether channel has an upstream subscription.
func (b *Bridge) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[channel]
	return ok
}

// ChannelCount returns the number of live upstream subscriptions.
func (b *Bridge) ChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *Bridge) receiveLoop(channel string, bc *bridgeChannel) {
	defer close(bc.done)
	for m := range bc.sub.Messages() {
		if !json.Valid(m.Payload) {
			b.logger.Warn("dropping non-JSON message", "channel", channel)
			continue
		}
		b.mu.Lock()
		handlers := make([]Handler, len(bc.handlers))
		copy(handlers, bc.handlers)
		b.mu.Unlock()
		for _, h := range handlers {
			h(m.Channel, m.Payload)
		}
	}
}

// Close cancels every subscription and waits for the loops to drain.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	chans := b.channels
	b.channels = make(map[string]*bridgeChannel)
	b.mu.Unlock()

	for _, bc := range chans {
		bc.sub.Cancel()
		<-bc.done
	}
}
