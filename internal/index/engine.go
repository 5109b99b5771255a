// Package index recomputes index values from the fresh price snapshot
// produced by each tick.
package index

import (
	"fmt"
	"log/slog"
	"time"

	"marketsim/pkg/types"
)

// minCoverage is the fraction of constituent prices that must be present
// for a bar to be produced. Live ticks always have full coverage; this
// gate matters when backfilling from partial history.
const minCoverage = 0.80

// Engine turns a price snapshot into index values and bars.
type Engine struct {
	scale  float64 // K in value = Σ w·P·K
	logger *slog.Logger
}

func New(scale float64, logger *slog.Logger) *Engine {
	return &Engine{scale: scale, logger: logger.With("component", "index")}
}

// Compute recalculates one index from prices (symbol → latest close).
// Returns the updated index, its bar, and whether the index was skipped
// for insufficient coverage.
func (e *Engine) Compute(idx types.Index, constituents []types.IndexConstituent, prices map[string]float64, now time.Time) (types.Index, *types.Bar, bool, error) {
	active := make([]types.IndexConstituent, 0, len(constituents))
	for _, c := range constituents {
		if c.Active {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return idx, nil, false, fmt.Errorf("index %s has no active constituents", idx.Code)
	}
	if err := types.ValidateWeightSum(active); err != nil {
		return idx, nil, false, fmt.Errorf("index %s: %w", idx.Code, err)
	}

	covered := 0
	for _, c := range active {
		if _, ok := prices[c.Symbol]; ok {
			covered++
		}
	}
	if float64(covered) < minCoverage*float64(len(active)) {
		e.logger.Warn("skipping index bar, insufficient price coverage",
			"index", idx.Code, "covered", covered, "constituents", len(active))
		return idx, nil, true, nil
	}

	value := e.value(idx.Method, active, prices)
	value = types.RoundPrice(value)

	updated := idx
	updated.Value = value
	updated.Change = value - idx.PreviousClose
	if idx.PreviousClose > 0 {
		updated.ChangePct = (value/idx.PreviousClose - 1) * 100
	} else {
		updated.ChangePct = 0
	}
	updated.UpdatedAt = now

	// Bars open at the last computed value; PreviousClose stays the
	// anchor for change figures, same as the instrument side. A row that
	// has never ticked opens at its base value.
	open := idx.Value
	if open <= 0 {
		open = idx.PreviousClose
	}
	if open <= 0 {
		open = idx.BaseValue
	}
	bar := &types.Bar{
		TargetType: types.TargetIndex,
		TargetCode: idx.Code,
		Timestamp:  now.Unix(),
		Open:       open,
		High:       max(open, value),
		Low:        min(open, value),
		Close:      value,
		ChangePct:  updated.ChangePct,
	}
	return updated, bar, false, nil
}

// value computes the raw index level. Cap-weighted uses the normalised
// weights from the constituent table; equal-weighted is a plain average.
// Both are scaled by K so the level sits near the base value.
func (e *Engine) value(method types.CalcMethod, active []types.IndexConstituent, prices map[string]float64) float64 {
	switch method {
	case types.CalcEqualWeighted:
		sum, n := 0.0, 0
		for _, c := range active {
			if p, ok := prices[c.Symbol]; ok {
				sum += p
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n) * e.scale
	default:
		wsum, acc := 0.0, 0.0
		for _, c := range active {
			p, ok := prices[c.Symbol]
			if !ok {
				continue
			}
			acc += c.Weight * p
			wsum += c.Weight
		}
		if wsum == 0 {
			return 0
		}
		return acc / wsum * e.scale
	}
}
