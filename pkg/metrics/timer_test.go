package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planSamples(t *testing.T, origin string) (uint64, float64) {
	t.Helper()
	var m dto.Metric
	require.NoError(t, PlanDuration.WithLabelValues(origin).(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}

func TestTimerObservesPlanDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	count, sum := planSamples(t, "timer-test")
	timer.ObserveDurationVec(PlanDuration, "timer-test")
	gotCount, gotSum := planSamples(t, "timer-test")
	assert.Equal(t, count+1, gotCount)
	assert.Greater(t, gotSum-sum, 0.009)
}

func TestTimerObservesReconciliation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_reconcile_seconds",
		Help: "test",
	})
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(h)

	NewTimer().ObserveDuration(h)
	NewTimer().ObserveDuration(h)

	families, err := reg.Gather()
	require.NoError(t, err)
	if assert.Len(t, families, 1) {
		assert.Equal(t, uint64(2), families[0].GetMetric()[0].GetHistogram().GetSampleCount())
	}
}
