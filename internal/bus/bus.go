// Package bus abstracts the pub/sub transport between the tick pipeline
// and the session hub. Three backends are provided, selected by URL
// scheme: mem:// (in-process), redis:// and nats://.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Message is one raw payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live upstream subscription to one channel.
type Subscription interface {
	// Messages delivers payloads in publication order. The channel is
	// closed when the subscription is cancelled or the bus closes.
	Messages() <-chan Message
	Cancel() error
}

// Bus is the publish side plus raw channel subscriptions. Publishing is
// fire-and-forget: delivery is best-effort and failures must not fail
// the caller's tick.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Connect builds the backend named by rawURL's scheme. buffer bounds
// per-subscription and reconnect queues.
func Connect(ctx context.Context, rawURL string, buffer int, logger *slog.Logger) (Bus, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "mem":
		return NewMemory(buffer, logger), nil
	case "redis", "rediss":
		return NewRedis(ctx, rawURL, buffer, logger)
	case "nats":
		return NewNATS(rawURL, buffer, logger)
	default:
		return nil, fmt.Errorf("unknown bus scheme %q", u.Scheme)
	}
}
