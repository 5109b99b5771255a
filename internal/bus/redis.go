package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is the Redis-backed bus. Outbound messages go through a bounded
// queue drained by a single publisher goroutine; when the queue is full
// the oldest message is dropped first, so a broker outage costs stale
// updates instead of memory.
type Redis struct {
	client *redis.Client
	out    chan Message
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRedis(ctx context.Context, rawURL string, buffer int, logger *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		out:    make(chan Message, buffer),
		logger: logger.With("component", "bus", "backend", "redis"),
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.publishLoop(loopCtx)
	return r, nil
}

func (r *Redis) publishLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.out:
			if err := r.client.Publish(ctx, m.Channel, m.Payload).Err(); err != nil {
				r.logger.Warn("publish failed", "channel", m.Channel, "error", err)
			}
		}
	}
}

// Publish enqueues without blocking. Oldest-first drop beyond capacity.
func (r *Redis) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	m := Message{Channel: channel, Payload: payload}
	select {
	case r.out <- m:
		return nil
	default:
	}
	// Queue full: evict the oldest and retry once.
	select {
	case <-r.out:
		r.logger.Warn("publish queue full, dropped oldest", "channel", channel)
	default:
	}
	select {
	case r.out <- m:
	default:
	}
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	once sync.Once
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Cancel() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning, so callers
	// never miss messages published right after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &redisSub{ps: ps, ch: make(chan Message, cap(r.out))}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(s.ch)
		// go-redis reconnects the pub/sub connection itself; this loop
		// ends only when the subscription is closed.
		for msg := range ps.Channel() {
			select {
			case s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				r.logger.Warn("dropping message for slow subscriber", "channel", msg.Channel)
			}
		}
	}()
	return s, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	err := r.client.Close()
	r.wg.Wait()
	return err
}
