package index

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsim/pkg/types"
)

func testEngine() *Engine {
	return New(10, slog.New(slog.DiscardHandler))
}

func TestComputeScalesLinearly(t *testing.T) {
	e := testEngine()
	now := time.Unix(1_700_000_000, 0).UTC()

	idx := types.Index{Code: "IDX", Method: types.CalcCapWeighted, BaseValue: 800, PreviousClose: 800}
	cs := []types.IndexConstituent{
		{IndexCode: "IDX", Symbol: "AAA", Weight: 0.6, Active: true},
		{IndexCode: "IDX", Symbol: "BBB", Weight: 0.4, Active: true},
	}

	before, bar, skipped, err := e.Compute(idx, cs, map[string]float64{"AAA": 100, "BBB": 50}, now)
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 800.0, before.Value)

	after, bar, skipped, err := e.Compute(idx, cs, map[string]float64{"AAA": 110, "BBB": 55}, now)
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 880.0, after.Value)
	require.InDelta(t, 10.0, after.ChangePct, 1e-9)

	require.NotNil(t, bar)
	require.Equal(t, types.TargetIndex, bar.TargetType)
	require.Equal(t, 800.0, bar.Open)
	require.Equal(t, 880.0, bar.Close)
	require.Equal(t, 880.0, bar.High)
	require.Equal(t, 800.0, bar.Low)
	require.NoError(t, bar.Validate())
}

func TestComputeEqualWeighted(t *testing.T) {
	e := testEngine()
	idx := types.Index{Code: "EQ", Method: types.CalcEqualWeighted, PreviousClose: 750}
	cs := []types.IndexConstituent{
		{IndexCode: "EQ", Symbol: "AAA", Weight: 0.5, Active: true},
		{IndexCode: "EQ", Symbol: "BBB", Weight: 0.5, Active: true},
	}

	got, _, skipped, err := e.Compute(idx, cs, map[string]float64{"AAA": 100, "BBB": 50}, time.Now())
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 750.0, got.Value) // (100+50)/2 × 10
}

func TestComputeIgnoresInactive(t *testing.T) {
	e := testEngine()
	idx := types.Index{Code: "IDX", Method: types.CalcCapWeighted, PreviousClose: 1000}
	cs := []types.IndexConstituent{
		{IndexCode: "IDX", Symbol: "AAA", Weight: 1.0, Active: true},
		{IndexCode: "IDX", Symbol: "ZZZ", Weight: 0.9, Active: false},
	}

	got, _, skipped, err := e.Compute(idx, cs, map[string]float64{"AAA": 100, "ZZZ": 1}, time.Now())
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 1000.0, got.Value)
}

func TestComputeSkipsOnLowCoverage(t *testing.T) {
	e := testEngine()
	idx := types.Index{Code: "IDX", Method: types.CalcCapWeighted, PreviousClose: 1000}
	cs := []types.IndexConstituent{
		{IndexCode: "IDX", Symbol: "AAA", Weight: 0.25, Active: true},
		{IndexCode: "IDX", Symbol: "BBB", Weight: 0.25, Active: true},
		{IndexCode: "IDX", Symbol: "CCC", Weight: 0.25, Active: true},
		{IndexCode: "IDX", Symbol: "DDD", Weight: 0.25, Active: true},
	}

	// 2 of 4 prices available: below the 80% gate.
	_, bar, skipped, err := e.Compute(idx, cs, map[string]float64{"AAA": 100, "BBB": 100}, time.Now())
	require.NoError(t, err)
	require.True(t, skipped)
	require.Nil(t, bar)
}

func TestComputeRejectsWeightDrift(t *testing.T) {
	e := testEngine()
	idx := types.Index{Code: "IDX", Method: types.CalcCapWeighted, PreviousClose: 1000}
	cs := []types.IndexConstituent{
		{IndexCode: "IDX", Symbol: "AAA", Weight: 0.6, Active: true},
		{IndexCode: "IDX", Symbol: "BBB", Weight: 0.3, Active: true}, // sums to 0.9
	}

	_, _, _, err := e.Compute(idx, cs, map[string]float64{"AAA": 100, "BBB": 100}, time.Now())
	require.Error(t, err)
}

func TestComputeUnprimedIndexOpensAtBaseValue(t *testing.T) {
	e := testEngine()
	// Freshly seeded row: no value or previous close recorded yet.
	idx := types.Index{Code: "IDX", Method: types.CalcCapWeighted, BaseValue: 1000}
	cs := []types.IndexConstituent{
		{IndexCode: "IDX", Symbol: "AAA", Weight: 1.0, Active: true},
	}

	got, bar, skipped, err := e.Compute(idx, cs, map[string]float64{"AAA": 110}, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 1100.0, got.Value)

	require.NotNil(t, bar)
	require.Equal(t, 1000.0, bar.Open)
	require.Equal(t, 1100.0, bar.Close)
	require.NoError(t, bar.Validate())
}

func TestComputeRejectsNoActiveConstituents(t *testing.T) {
	e := testEngine()
	idx := types.Index{Code: "IDX", Method: types.CalcCapWeighted}
	_, _, _, err := e.Compute(idx, nil, nil, time.Now())
	require.Error(t, err)
}
