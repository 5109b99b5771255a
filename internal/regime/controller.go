// Package regime implements the market-state controller: a three-state
// Markov chain over BULL, BEAR and SIDEWAYS that sets the daily drift and
// volatility multiplier consumed by the price engine.
package regime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"marketsim/pkg/types"
)

// band is the closed drift interval a regime draws its daily drift from.
type band struct {
	lo, hi float64
}

var driftBands = map[types.Regime]band{
	types.RegimeBull:     {0.003, 0.010},
	types.RegimeBear:     {-0.010, -0.003},
	types.RegimeSideways: {-0.002, 0.002},
}

var volMultipliers = map[types.Regime]float64{
	types.RegimeBull:     1.2,
	types.RegimeBear:     1.5,
	types.RegimeSideways: 1.0,
}

// Store is the persistence surface the controller needs.
type Store interface {
	CurrentRegime(ctx context.Context) (*types.RegimeState, error)
	SaveRegime(ctx context.Context, st types.RegimeState) (int64, error)
}

// Controller owns the current regime. Current() is a lock-protected read
// of cached state and never touches the database; the database is only
// written when the regime actually changes.
type Controller struct {
	mu     sync.RWMutex
	cur    types.RegimeState
	store  Store
	rng    *rand.Rand
	logger *slog.Logger

	minDwell time.Duration
	stayProb float64
	now      func() time.Time
}

// New loads the current regime from the store, or bootstraps a SIDEWAYS
// state if none has been recorded yet.
func New(ctx context.Context, st Store, minDwellDays int, stayProb float64, rng *rand.Rand, logger *slog.Logger) (*Controller, error) {
	c := &Controller{
		store:    st,
		rng:      rng,
		logger:   logger.With("component", "regime"),
		minDwell: time.Duration(minDwellDays) * 24 * time.Hour,
		stayProb: stayProb,
		now:      time.Now,
	}

	cur, err := st.CurrentRegime(ctx)
	if err != nil {
		return nil, fmt.Errorf("load regime: %w", err)
	}
	if cur != nil {
		c.cur = *cur
		c.logger.Info("resumed regime", "regime", cur.Regime, "drift", cur.DailyDrift)
		return c, nil
	}

	initial := c.draw(types.RegimeSideways)
	initial.StartTime = c.now().UTC()
	id, err := st.SaveRegime(ctx, initial)
	if err != nil {
		return nil, fmt.Errorf("bootstrap regime: %w", err)
	}
	initial.ID = id
	initial.Current = true
	c.cur = initial
	c.logger.Info("bootstrapped regime", "regime", initial.Regime, "drift", initial.DailyDrift)
	return c, nil
}

// Current returns a copy of the active regime state.
func (c *Controller) Current() types.RegimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Transition runs one step of the Markov chain. Without force, the
// current regime must have dwelt at least the minimum number of days, and
// the chain stays put with the configured stay probability. With force,
// both gates are skipped and the regime always moves. Returns whether the
// regime changed.
func (c *Controller) Transition(ctx context.Context, force bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	if !force {
		if now.Sub(c.cur.StartTime) < c.minDwell {
			return false, nil
		}
		if c.rng.Float64() < c.stayProb {
			return false, nil
		}
	}

	next := c.pickNext(c.cur.Regime)
	st := c.draw(next)
	st.StartTime = now

	id, err := c.store.SaveRegime(ctx, st)
	if err != nil {
		return false, fmt.Errorf("persist regime %s: %w", next, err)
	}
	st.ID = id
	st.Current = true
	prev := c.cur.Regime
	c.cur = st
	c.logger.Info("regime transition",
		"from", prev, "to", next, "drift", st.DailyDrift, "vol_multiplier", st.VolMultiplier)
	return true, nil
}

// pickNext chooses uniformly among the two regimes other than cur.
func (c *Controller) pickNext(cur types.Regime) types.Regime {
	others := make([]types.Regime, 0, 2)
	for _, r := range []types.Regime{types.RegimeBull, types.RegimeBear, types.RegimeSideways} {
		if r != cur {
			others = append(others, r)
		}
	}
	return others[c.rng.Intn(len(others))]
}

// draw fills in the stochastic parameters for regime r.
func (c *Controller) draw(r types.Regime) types.RegimeState {
	b := driftBands[r]
	return types.RegimeState{
		Regime:        r,
		DailyDrift:    b.lo + c.rng.Float64()*(b.hi-b.lo),
		VolMultiplier: volMultipliers[r],
	}
}
