package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticStats Stats

func (s staticStats) Stats() Stats { return Stats(s) }

func TestCollectorSetsGauges(t *testing.T) {
	c := NewCollector(staticStats{
		Apps:      2,
		Instances: map[string]int{"ACTIVE": 3, "PENDING": 1},
		Nodes: []NodeStat{
			{Layer: "Edge", Ready: true},
			{Layer: "Edge", Ready: true},
			{Layer: "Cloud", Ready: false},
		},
	}, 0)

	c.Collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(AppsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(ComponentInstances.WithLabelValues("ACTIVE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(NodesTotal.WithLabelValues("Edge", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("Cloud", "false")))
}
