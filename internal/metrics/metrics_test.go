package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTickDoneCountsOutcomes(t *testing.T) {
	m := New()

	m.TickDone(10*time.Millisecond, 5, 2, nil)
	m.TickDone(time.Millisecond, 5, 0, errors.New("boom"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.ticksTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(m.tickErrors))
	require.Equal(t, 2.0, testutil.ToFloat64(m.cappedTotal))
	require.Equal(t, 5.0, testutil.ToFloat64(m.instruments))
}

func TestMessagePublished(t *testing.T) {
	m := New()
	m.MessagePublished()
	m.MessagePublished()
	require.Equal(t, 2.0, testutil.ToFloat64(m.published))
}
