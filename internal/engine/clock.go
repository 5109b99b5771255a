package engine

import (
	"context"
	"log/slog"
	"time"
)

// Clock drives the tick pipeline. It guarantees at most one tick in
// flight: the callback runs synchronously in the loop, and any firing
// that queued up while a tick overran the interval is drained and
// skipped instead of being delivered late.
type Clock struct {
	interval time.Duration
	fn       func(context.Context)
	logger   *slog.Logger
}

// NewClock returns a clock firing fn every interval.
func NewClock(interval time.Duration, fn func(context.Context), logger *slog.Logger) *Clock {
	return &Clock{interval: interval, fn: fn, logger: logger.With("component", "clock")}
}

// Run blocks until ctx is cancelled. The first tick fires immediately.
// An in-progress tick is drained before Run returns.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			c.fn(ctx)
			if elapsed := time.Since(start); elapsed > c.interval {
				// Drop the firing that accumulated during the overrun.
				select {
				case <-ticker.C:
				default:
				}
				c.logger.Warn("tick overran interval", "elapsed", elapsed, "interval", c.interval)
			}
		}
	}
}
