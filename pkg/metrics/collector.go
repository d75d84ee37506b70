package metrics

import (
	"strconv"
	"time"
)

// NodeStat is one node as seen by the registry
type NodeStat struct {
	Layer string
	Ready bool
}

// Stats is a point-in-time summary of an agent's registry
type Stats struct {
	Apps      int
	Instances map[string]int
	Nodes     []NodeStat
}

// StatsSource is implemented by the registry
type StatsSource interface {
	Stats() Stats
}

// Collector periodically copies registry facts into gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every registry gauge once
func (c *Collector) Collect() {
	stats := c.source.Stats()

	AppsTotal.Set(float64(stats.Apps))

	ComponentInstances.Reset()
	for status, n := range stats.Instances {
		ComponentInstances.WithLabelValues(status).Set(float64(n))
	}

	counts := make(map[NodeStat]int)
	for _, n := range stats.Nodes {
		counts[n]++
	}
	NodesTotal.Reset()
	for n, count := range counts {
		NodesTotal.WithLabelValues(n.Layer, strconv.FormatBool(n.Ready)).Set(float64(count))
	}
}
