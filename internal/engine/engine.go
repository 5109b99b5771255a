// Package engine runs the simulation: a clock drives one tick pipeline
// that advances every instrument, recomputes indices, commits the result
// atomically and hands the fresh snapshot to the publisher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketsim/internal/config"
	"marketsim/internal/index"
	"marketsim/internal/publish"
	"marketsim/pkg/types"
)

// ErrInvariant marks a data-invariant violation (OHLC inconsistency,
// weight-sum drift, bad price). The tick that hit it is aborted with no
// snapshot update, history append or publish; later ticks continue.
var ErrInvariant = errors.New("data invariant violation")

// Store is the persistence surface the tick pipeline needs.
type Store interface {
	Instruments(ctx context.Context) ([]types.Instrument, error)
	Sectors(ctx context.Context) ([]types.Sector, error)
	Indices(ctx context.Context) ([]types.Index, error)
	Constituents(ctx context.Context, indexCode string) ([]types.IndexConstituent, error)
	CommitTick(ctx context.Context, instruments []types.Instrument, indices []types.Index, bars []types.Bar) error
}

// RegimeSource supplies the market regime parameters.
type RegimeSource interface {
	Current() types.RegimeState
	Transition(ctx context.Context, force bool) (bool, error)
}

// TickPublisher receives the committed tick output.
type TickPublisher interface {
	PublishStocks(ctx context.Context, records []types.StockRecord, now time.Time)
	PublishIndices(ctx context.Context, records []types.IndexRecord, now time.Time)
}

// Observer receives per-tick measurements. Satisfied by the metrics
// registry; a nil Observer disables instrumentation.
type Observer interface {
	TickDone(duration time.Duration, instruments, capped int, err error)
}

// Engine owns the clock and the regime evaluation loop.
type Engine struct {
	cfg    config.SimulationConfig
	store  Store
	regime RegimeSource
	index  *index.Engine
	pub    TickPublisher
	obs    Observer
	params PriceParams
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	regimeEvery time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, st Store, reg RegimeSource, pub TickPublisher, obs Observer, rng *rand.Rand, logger *slog.Logger) *Engine {
	sim := cfg.Simulation
	sqrtDays := math.Sqrt(float64(sim.TradingDaysPerYear))
	return &Engine{
		cfg:    sim,
		store:  st,
		regime: reg,
		index:  index.New(sim.IndexScale, logger),
		pub:    pub,
		obs:    obs,
		params: PriceParams{
			DT:           1 / float64(sim.StepsPerDay),
			SigmaMDay:    sim.SigmaMarketAnnual / sqrtDays,
			SigmaSDay:    sim.SigmaSectorAnnual / sqrtDays,
			SigmaIDay:    sim.SigmaIndivAnnual / sqrtDays,
			WMarket:      sim.MarketWeight,
			WSector:      sim.SectorWeight,
			WIndiv:       sim.IndividualWeight,
			RhoMS:        sim.RhoMS,
			LimitPct:     sim.PriceLimitPct,
			SqrtDaysYear: sqrtDays,
		},
		logger:      logger.With("component", "engine"),
		rng:         rng,
		regimeEvery: cfg.Regime.EvalInterval,
		now:         time.Now,
	}
}

// Start launches the tick clock and the slow regime evaluation loop.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	clock := NewClock(e.cfg.TickInterval, func(ctx context.Context) {
		if err := e.tick(ctx); err != nil {
			e.logger.Error("tick failed", "error", err)
		}
	}, e.logger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		clock.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.regimeLoop(ctx)
	}()

	e.logger.Info("engine started",
		"tick_interval", e.cfg.TickInterval, "steps_per_day", e.cfg.StepsPerDay)
}

// Stop cancels the loops and waits for the in-progress tick to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) regimeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.regimeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := e.regime.Transition(ctx, false)
			if err != nil {
				e.logger.Error("regime evaluation failed", "error", err)
			} else if changed {
				cur := e.regime.Current()
				e.logger.Info("regime changed", "regime", cur.Regime, "drift", cur.DailyDrift)
			}
		}
	}
}

// tick draws all randomness for the step and runs the pipeline.
func (e *Engine) tick(ctx context.Context) error {
	instruments, err := e.store.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if len(instruments) == 0 {
		return nil
	}
	symbols := make([]string, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
	}

	e.rngMu.Lock()
	shocks := DrawShocks(e.rng, e.params.RhoMS, symbols)
	e.rngMu.Unlock()

	start := e.now()
	capped, err := e.runTick(ctx, start.UTC(), instruments, shocks)
	if e.obs != nil {
		e.obs.TickDone(e.now().Sub(start), len(instruments), capped, err)
	}
	return err
}

// runTick is the deterministic part of the pipeline: given the previous
// snapshot and a fixed shock set it always produces the same writes.
// Returns how many instruments hit the daily band.
func (e *Engine) runTick(ctx context.Context, now time.Time, instruments []types.Instrument, shocks TickShocks) (int, error) {
	sectors, err := e.store.Sectors(ctx)
	if err != nil {
		return 0, fmt.Errorf("read sectors: %w", err)
	}
	sectorBeta := make(map[string]float64, len(sectors))
	for _, s := range sectors {
		sectorBeta[s.Code] = s.Beta
	}

	reg := e.regime.Current()
	ts := now.Unix()

	results := make([]StepResult, len(instruments))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, inst := range instruments {
		g.Go(func() error {
			beta, ok := sectorBeta[inst.SectorCode]
			if !ok {
				beta = 1.0
			}
			res := e.params.Step(inst, beta, reg.DailyDrift, reg.VolMultiplier, shocks, ts)
			res.Instrument.UpdatedAt = now
			res.Bar.Interval = e.cfg.BarInterval
			if err := res.Bar.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvariant, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	updated := make([]types.Instrument, len(results))
	bars := make([]types.Bar, 0, len(results))
	prices := make(map[string]float64, len(results))
	records := make([]types.StockRecord, len(results))
	capped := 0
	for i, res := range results {
		updated[i] = res.Instrument
		bars = append(bars, res.Bar)
		prices[res.Instrument.Symbol] = res.Instrument.Price
		records[i] = publish.StockRecord(res.Instrument, res.Bar)
		if res.Capped {
			capped++
			e.logger.Debug("price capped at band edge",
				"symbol", res.Instrument.Symbol, "price", res.Instrument.Price)
		}
	}

	indices, err := e.store.Indices(ctx)
	if err != nil {
		return 0, fmt.Errorf("read indices: %w", err)
	}
	updatedIdx := make([]types.Index, 0, len(indices))
	idxRecords := make([]types.IndexRecord, 0, len(indices))
	for _, idx := range indices {
		cs, err := e.store.Constituents(ctx, idx.Code)
		if err != nil {
			return 0, fmt.Errorf("read constituents %s: %w", idx.Code, err)
		}
		next, bar, skipped, err := e.index.Compute(idx, cs, prices, now)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		if skipped {
			continue
		}
		bar.Interval = e.cfg.BarInterval
		if err := bar.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		updatedIdx = append(updatedIdx, next)
		bars = append(bars, *bar)
		idxRecords = append(idxRecords, publish.IndexRecord(next, ts))
	}

	if err := e.store.CommitTick(ctx, updated, updatedIdx, bars); err != nil {
		return 0, fmt.Errorf("commit tick: %w", err)
	}

	// Publish only after the commit; delivery is best-effort.
	e.pub.PublishStocks(ctx, records, now)
	if len(idxRecords) > 0 {
		e.pub.PublishIndices(ctx, idxRecords, now)
	}
	return capped, nil
}
