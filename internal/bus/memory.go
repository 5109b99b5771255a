package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process bus for single-binary deploys and tests.
// Fan-out is non-blocking: a subscriber whose buffer is full loses the
// message rather than stalling the publisher.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

func NewMemory(buffer int, logger *slog.Logger) *Memory {
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
		logger: logger.With("component", "bus", "backend", "mem"),
	}
}

type memorySub struct {
	bus     *Memory
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Cancel() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[channel] {
		select {
		case s.ch <- Message{Channel: channel, Payload: payload}:
		default:
			m.logger.Warn("dropping message for slow subscriber", "channel", channel)
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: m, channel: channel, ch: make(chan Message, m.buffer)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, s := range all {
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}
