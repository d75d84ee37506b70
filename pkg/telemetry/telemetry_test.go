package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/types"
)

type podList map[string][]types.PodRecord

func (p podList) PodsForApp(app string) []types.PodRecord {
	return p[app]
}

func TestSnapshotScopesToApp(t *testing.T) {
	reg := prometheus.NewRegistry()
	latency := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "request_latency_ms"}, []string{"app", "component"})
	plans := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "plans_total"}, []string{"app", "status"})
	unscoped := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth"})
	reg.MustRegister(latency, plans, unscoped)

	latency.WithLabelValues("app-a", "c1").Set(42)
	latency.WithLabelValues("app-b", "c1").Set(7)
	plans.WithLabelValues("app-a", "failed").Add(2)
	unscoped.Set(3)

	pods := podList{"app-a": {
		{Name: "c1-aaaa", Component: "c1", NodeName: "n1", Ready: true},
		{Name: "c2-bbbb", Component: "c2", NodeName: "n2", Ready: false},
	}}
	c := New(Config{}, reg, pods)

	snap, err := c.Snapshot("app-a")
	require.NoError(t, err)

	v, ok := snap.Value("request_latency_ms", "component", "c1")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	v, ok = snap.Value("plans_total", "status", "failed")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	_, ok = snap.Value("queue_depth")
	assert.False(t, ok, "series without the app label stay out")
	assert.Len(t, snap.Metrics, 2)

	assert.Equal(t, []string{"c2"}, snap.Unready())
	assert.Equal(t, "n1", snap.PodNodes["c1-aaaa"])
}

func TestSeriesKeySortsLabels(t *testing.T) {
	assert.Equal(t, `m{a="1",b="2"}`, seriesKey("m", pairs([]string{"b", "2", "a", "1"})))
	assert.Equal(t, "m", seriesKey("m", nil))
}

func TestHandleIntervalUpdate(t *testing.T) {
	c := New(Config{}, prometheus.NewRegistry(), nil)
	assert.Equal(t, c.cfg.DefaultInterval, c.Interval("n1"))

	tests := []struct {
		name    string
		payload any
		wantErr bool
	}{
		{"valid", IntervalUpdate{Node: "n1", Interval: "5s"}, false},
		{"missing node", IntervalUpdate{Interval: "5s"}, true},
		{"bad duration", IntervalUpdate{Node: "n1", Interval: "soon"}, true},
		{"negative", IntervalUpdate{Node: "n1", Interval: "-1s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := events.MustMessage(events.OtelNodeIntervalUpdate, tt.payload)
			_, _, err := c.HandleIntervalUpdate(msg)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrValidationFailed)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.Equal(t, "5s", c.Interval("n1").String())
}
