package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Components every tier reports
const (
	ComponentKubernetes = "kubernetes"
	ComponentTransport  = "transport"
)

// DefaultCriticalComponents gate readiness until a tier declares its own set
var DefaultCriticalComponents = []string{ComponentTransport}

// ComponentHealthy mirrors the health table as a gauge
var ComponentHealthy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "mlsysops_component_healthy",
		Help: "1 while the agent component is healthy, 0 otherwise",
	},
	[]string{"component"},
)

// HealthStatus is a snapshot of the health table
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last report of one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

type healthTable struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	version    string
	startTime  time.Time
}

var table = newHealthTable()

func newHealthTable() *healthTable {
	return &healthTable{
		components: make(map[string]ComponentHealth),
		critical:   DefaultCriticalComponents,
		startTime:  time.Now(),
	}
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.critical = append([]string(nil), names...)
}

// SetVersion sets the version reported with the health snapshots
func SetVersion(version string) {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.version = version
}

// UpdateComponent records the health of a component
func UpdateComponent(name string, healthy bool, message string) {
	table.mu.Lock()
	defer table.mu.Unlock()

	table.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
	value := 0.0
	if healthy {
		value = 1
	}
	ComponentHealthy.WithLabelValues(name).Set(value)
}

// Component returns the last report of name
func Component(name string) (ComponentHealth, bool) {
	table.mu.RLock()
	defer table.mu.RUnlock()
	c, ok := table.components[name]
	return c, ok
}

// GetHealth reports unhealthy while any component is
func GetHealth() HealthStatus {
	table.mu.RLock()
	defer table.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(table.components))
	for name, comp := range table.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}
	return table.snapshot(status, "", components)
}

// GetReadiness reports ready once every critical component is healthy
func GetReadiness() HealthStatus {
	table.mu.RLock()
	defer table.mu.RUnlock()

	status := "ready"
	var waiting []string
	components := make(map[string]string, len(table.critical))
	for _, name := range table.critical {
		comp, ok := table.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
			continue
		}
		status = "not_ready"
		waiting = append(waiting, name)
	}

	message := ""
	if len(waiting) > 0 {
		sort.Strings(waiting)
		message = "waiting for " + waiting[0]
	}
	return table.snapshot(status, message, components)
}

func (t *healthTable) snapshot(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    t.version,
		Uptime:     time.Since(t.startTime).String(),
	}
}
