package regime

import (
	"context"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsim/pkg/types"
)

// memStore is a minimal in-memory Store for controller tests.
type memStore struct {
	rows   []types.RegimeState
	nextID int64
}

func (m *memStore) CurrentRegime(_ context.Context) (*types.RegimeState, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].Current {
			st := m.rows[i]
			return &st, nil
		}
	}
	return nil, nil
}

func (m *memStore) SaveRegime(_ context.Context, st types.RegimeState) (int64, error) {
	for i := range m.rows {
		if m.rows[i].Current {
			m.rows[i].Current = false
			end := st.StartTime
			m.rows[i].EndTime = &end
		}
	}
	m.nextID++
	st.ID = m.nextID
	st.Current = true
	m.rows = append(m.rows, st)
	return st.ID, nil
}

func newController(t *testing.T, ms *memStore, seed int64) *Controller {
	t.Helper()
	c, err := New(context.Background(), ms, 7, 0.70,
		rand.New(rand.NewSource(seed)), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return c
}

func TestBootstrapIsSideways(t *testing.T) {
	ms := &memStore{}
	c := newController(t, ms, 1)

	cur := c.Current()
	require.Equal(t, types.RegimeSideways, cur.Regime)
	require.Equal(t, 1.0, cur.VolMultiplier)
	require.GreaterOrEqual(t, cur.DailyDrift, -0.002)
	require.LessOrEqual(t, cur.DailyDrift, 0.002)
	require.Len(t, ms.rows, 1)
}

func TestResumeFromStore(t *testing.T) {
	ms := &memStore{}
	_, err := ms.SaveRegime(context.Background(), types.RegimeState{
		Regime: types.RegimeBear, StartTime: time.Now().UTC(),
		DailyDrift: -0.005, VolMultiplier: 1.5,
	})
	require.NoError(t, err)

	c := newController(t, ms, 1)
	require.Equal(t, types.RegimeBear, c.Current().Regime)
	require.Len(t, ms.rows, 1) // no new row on resume
}

func TestDwellGateBlocksTransition(t *testing.T) {
	ms := &memStore{}
	c := newController(t, ms, 1)

	changed, err := c.Transition(context.Background(), false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, ms.rows, 1)
}

func TestForcedTransitionAlwaysMoves(t *testing.T) {
	ms := &memStore{}
	c := newController(t, ms, 1)
	before := c.Current().Regime

	changed, err := c.Transition(context.Background(), true)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotEqual(t, before, c.Current().Regime)
	require.Len(t, ms.rows, 2)

	// Old row closed, exactly one current.
	currents := 0
	for _, r := range ms.rows {
		if r.Current {
			currents++
		} else {
			require.NotNil(t, r.EndTime)
		}
	}
	require.Equal(t, 1, currents)
}

func TestTransitionAfterDwellRespectsStayProb(t *testing.T) {
	ms := &memStore{}
	c := newController(t, ms, 42)

	// Every evaluation happens 8 days after the previous one, so the dwell
	// gate is always open.
	base := c.Current().StartTime
	step := 0
	c.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * 8 * 24 * time.Hour)
	}

	// Over many eligible evaluations roughly 30% should move. With a fixed
	// seed just check both outcomes occur and drift stays in band.
	moves := 0
	for i := 0; i < 200; i++ {
		changed, err := c.Transition(context.Background(), false)
		require.NoError(t, err)
		if changed {
			moves++
			cur := c.Current()
			b := driftBands[cur.Regime]
			require.GreaterOrEqual(t, cur.DailyDrift, b.lo)
			require.LessOrEqual(t, cur.DailyDrift, b.hi)
			require.Equal(t, volMultipliers[cur.Regime], cur.VolMultiplier)
		}
	}
	require.Greater(t, moves, 0)
	require.Less(t, moves, 200)
}

func TestDriftBandsPerRegime(t *testing.T) {
	ms := &memStore{}
	c := newController(t, ms, 7)

	for i := 0; i < 50; i++ {
		_, err := c.Transition(context.Background(), true)
		require.NoError(t, err)
		cur := c.Current()
		switch cur.Regime {
		case types.RegimeBull:
			require.GreaterOrEqual(t, cur.DailyDrift, 0.003)
			require.LessOrEqual(t, cur.DailyDrift, 0.010)
			require.Equal(t, 1.2, cur.VolMultiplier)
		case types.RegimeBear:
			require.GreaterOrEqual(t, cur.DailyDrift, -0.010)
			require.LessOrEqual(t, cur.DailyDrift, -0.003)
			require.Equal(t, 1.5, cur.VolMultiplier)
		case types.RegimeSideways:
			require.GreaterOrEqual(t, cur.DailyDrift, -0.002)
			require.LessOrEqual(t, cur.DailyDrift, 0.002)
			require.Equal(t, 1.0, cur.VolMultiplier)
		default:
			t.Fatalf("unknown regime %q", cur.Regime)
		}
	}
}
