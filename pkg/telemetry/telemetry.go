// Package telemetry turns gathered Prometheus metric families and registry
// facts into the per-app snapshots policies analyze.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/types"
)

// LabelApp is the metric label that scopes a series to one app
const LabelApp = "app"

// Snapshot is the telemetry of one app at one instant
type Snapshot struct {
	App       string             `json:"app"`
	Taken     time.Time          `json:"taken"`
	Metrics   map[string]float64 `json:"metrics"`
	ReadyPods map[string]int     `json:"readyPods"`
	Pods      map[string]int     `json:"pods"`
	PodNodes  map[string]string  `json:"podNodes"`
	PodReady  map[string]bool    `json:"podReady"`
}

// Value returns the series name{labels} with the app label removed. Labels
// are given as alternating names and values.
func (s *Snapshot) Value(name string, labels ...string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Metrics[seriesKey(name, pairs(labels))]
	return v, ok
}

// Unready returns the components with fewer ready pods than pods
func (s *Snapshot) Unready() []string {
	if s == nil {
		return nil
	}
	var out []string
	for comp, n := range s.Pods {
		if s.ReadyPods[comp] < n {
			out = append(out, comp)
		}
	}
	sort.Strings(out)
	return out
}

// PodSource lists the pods the agent knows for an app
type PodSource interface {
	PodsForApp(app string) []types.PodRecord
}

// Config carries the OTEL settings of an agent
type Config struct {
	Endpoint        string
	DefaultInterval time.Duration
}

// IntervalUpdate is the payload of OTEL_NODE_INTERVAL_UPDATE
type IntervalUpdate struct {
	Node     string `json:"node"`
	Interval string `json:"interval"`
}

// Controller builds snapshots and tracks per-node export intervals
type Controller struct {
	cfg      Config
	gatherer prometheus.Gatherer
	pods     PodSource
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	intervals map[string]time.Duration
}

// New creates a controller. A nil gatherer reads the default registry; a
// nil pod source leaves the pod facts empty.
func New(cfg Config, gatherer prometheus.Gatherer, pods PodSource) *Controller {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 15 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		gatherer:  gatherer,
		pods:      pods,
		logger:    log.WithComponent("telemetry"),
		now:       time.Now,
		intervals: make(map[string]time.Duration),
	}
}

// Endpoint returns the OTLP endpoint collectors export to
func (c *Controller) Endpoint() string {
	return c.cfg.Endpoint
}

// Snapshot gathers every series labelled with app plus the app's pod facts
func (c *Controller) Snapshot(app string) (*Snapshot, error) {
	families, err := c.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	snap := &Snapshot{
		App:       app,
		Taken:     c.now(),
		Metrics:   make(map[string]float64),
		ReadyPods: make(map[string]int),
		Pods:      make(map[string]int),
		PodNodes:  make(map[string]string),
		PodReady:  make(map[string]bool),
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels, ok := appLabels(m, app)
			if !ok {
				continue
			}
			v, ok := value(mf.GetType(), m)
			if !ok {
				continue
			}
			snap.Metrics[seriesKey(mf.GetName(), labels)] = v
		}
	}

	if c.pods != nil {
		for _, p := range c.pods.PodsForApp(app) {
			snap.Pods[p.Component]++
			if p.Ready {
				snap.ReadyPods[p.Component]++
			}
			snap.PodNodes[p.Name] = p.NodeName
			snap.PodReady[p.Name] = p.Ready
		}
	}
	return snap, nil
}

// Interval returns the export interval configured for node
func (c *Controller) Interval(node string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.intervals[node]; ok {
		return d
	}
	return c.cfg.DefaultInterval
}

// HandleIntervalUpdate applies an OTEL_NODE_INTERVAL_UPDATE message
func (c *Controller) HandleIntervalUpdate(msg *events.Message) (*IntervalUpdate, time.Duration, error) {
	var upd IntervalUpdate
	if err := msg.Decode(&upd); err != nil {
		return nil, 0, err
	}
	if upd.Node == "" {
		return nil, 0, errdefs.Wrap(errdefs.ErrValidationFailed, "interval update without node")
	}
	d, err := time.ParseDuration(upd.Interval)
	if err != nil || d <= 0 {
		return nil, 0, errdefs.Wrap(errdefs.ErrValidationFailed, "invalid interval %q", upd.Interval)
	}

	c.mu.Lock()
	c.intervals[upd.Node] = d
	c.mu.Unlock()

	c.logger.Info().Str("node", upd.Node).Dur("interval", d).Msg("Export interval updated")
	return &upd, d, nil
}

func appLabels(m *dto.Metric, app string) ([]*dto.LabelPair, bool) {
	var rest []*dto.LabelPair
	matched := false
	for _, l := range m.GetLabel() {
		if l.GetName() == LabelApp {
			if l.GetValue() != app {
				return nil, false
			}
			matched = true
			continue
		}
		rest = append(rest, l)
	}
	return rest, matched
}

func value(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		if h.GetSampleCount() == 0 {
			return 0, true
		}
		return h.GetSampleSum() / float64(h.GetSampleCount()), true
	case dto.MetricType_SUMMARY:
		s := m.GetSummary()
		if s.GetSampleCount() == 0 {
			return 0, true
		}
		return s.GetSampleSum() / float64(s.GetSampleCount()), true
	}
	return 0, false
}

func pairs(kv []string) []*dto.LabelPair {
	out := make([]*dto.LabelPair, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		name, val := kv[i], kv[i+1]
		out = append(out, &dto.LabelPair{Name: &name, Value: &val})
	}
	return out
}

// seriesKey renders name{a="x",b="y"} with labels sorted by name
func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
