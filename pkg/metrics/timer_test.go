package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationIncreases(t *testing.T) {
	timer := NewTimer()
	require.False(t, timer.start.IsZero())

	first := timer.Duration()
	time.Sleep(10 * time.Millisecond)
	second := timer.Duration()

	assert.GreaterOrEqual(t, first, time.Duration(0))
	assert.Greater(t, second, first)
	assert.GreaterOrEqual(t, second, 10*time.Millisecond)
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_match_seconds",
		Help: "test",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_route_seconds",
		Help: "test",
	}, []string{"route"})

	timer := NewTimer()
	timer.ObserveDuration(h)
	timer.ObserveDurationVec(vec, "/groups")

	var m dto.Metric
	require.NoError(t, h.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())

	obs, err := vec.GetMetricWithLabelValues("/groups")
	require.NoError(t, err)
	m.Reset()
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
