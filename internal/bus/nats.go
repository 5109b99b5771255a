package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS is the NATS-backed bus. Channel names use ':' separators; NATS
// subjects use '.', so names are translated at the boundary in both
// directions.
type NATS struct {
	conn   *nats.Conn
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewNATS(rawURL string, buffer int, logger *slog.Logger) (*NATS, error) {
	log := logger.With("component", "bus", "backend", "nats")
	conn, err := nats.Connect(rawURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: conn, buffer: buffer, logger: log}, nil
}

func toSubject(channel string) string { return strings.ReplaceAll(channel, ":", ".") }
func toChannel(subject string) string { return strings.ReplaceAll(subject, ".", ":") }

func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.mu.Unlock()

	// The client buffers internally while reconnecting and drops once its
	// pending limit is hit, matching the bounded fire-and-forget contract.
	if err := n.conn.Publish(toSubject(channel), payload); err != nil {
		n.logger.Warn("publish failed", "channel", channel, "error", err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
	ch  chan Message

	mu     sync.Mutex
	closed bool
}

func (s *natsSub) Messages() <-chan Message { return s.ch }

func (s *natsSub) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}

// deliver hands a message to the subscriber unless it was cancelled.
// The callback can still fire while Unsubscribe is in flight, so the
// closed check and the send share one critical section.
func (s *natsSub) deliver(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

func (n *NATS) Subscribe(_ context.Context, channel string) (Subscription, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	n.mu.Unlock()

	s := &natsSub{ch: make(chan Message, n.buffer)}
	sub, err := n.conn.Subscribe(toSubject(channel), func(m *nats.Msg) {
		if !s.deliver(Message{Channel: toChannel(m.Subject), Payload: m.Data}) {
			n.logger.Warn("dropping message for slow subscriber", "channel", channel)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	s.sub = sub
	return s, nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.conn.Drain()
	n.conn.Close()
	return nil
}
