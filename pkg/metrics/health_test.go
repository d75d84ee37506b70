package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// resetHealth gives each test an empty health table
func resetHealth(t *testing.T) {
	t.Helper()
	prev := table
	table = newHealthTable()
	t.Cleanup(func() { table = prev })
}

func TestReadinessPerTier(t *testing.T) {
	tests := []struct {
		name        string
		critical    []string
		reports     map[string]bool
		wantStatus  string
		wantMessage string
		wantStates  map[string]string
	}{
		{
			name:        "node waits for transport by default",
			wantStatus:  "not_ready",
			wantMessage: "waiting for transport",
			wantStates:  map[string]string{ComponentTransport: "not registered"},
		},
		{
			name:       "node with transport",
			critical:   []string{ComponentTransport},
			reports:    map[string]bool{ComponentTransport: true},
			wantStatus: "ready",
			wantStates: map[string]string{ComponentTransport: "ready"},
		},
		{
			name:        "cluster before kubernetes",
			critical:    []string{ComponentKubernetes, ComponentTransport},
			reports:     map[string]bool{ComponentTransport: true},
			wantStatus:  "not_ready",
			wantMessage: "waiting for kubernetes",
			wantStates: map[string]string{
				ComponentKubernetes: "not registered",
				ComponentTransport:  "ready",
			},
		},
		{
			name:        "cluster with kubernetes down",
			critical:    []string{ComponentKubernetes, ComponentTransport},
			reports:     map[string]bool{ComponentKubernetes: false, ComponentTransport: true},
			wantStatus:  "not_ready",
			wantMessage: "waiting for kubernetes",
			wantStates: map[string]string{
				ComponentKubernetes: "not ready: down",
				ComponentTransport:  "ready",
			},
		},
		{
			name:       "cluster ready",
			critical:   []string{ComponentKubernetes, ComponentTransport},
			reports:    map[string]bool{ComponentKubernetes: true, ComponentTransport: true, "policy-catalog": false},
			wantStatus: "ready",
			wantStates: map[string]string{
				ComponentKubernetes: "ready",
				ComponentTransport:  "ready",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			if tt.critical != nil {
				SetCriticalComponents(tt.critical...)
			}
			for name, healthy := range tt.reports {
				UpdateComponent(name, healthy, "down")
			}

			got := GetReadiness()
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantMessage, got.Message)
			assert.Equal(t, tt.wantStates, got.Components)
		})
	}
}

func TestHealthReportsEveryComponent(t *testing.T) {
	resetHealth(t)
	SetVersion("v1.2.3")

	UpdateComponent(ComponentKubernetes, true, "")
	UpdateComponent(ComponentTransport, false, "stream closed")

	got := GetHealth()
	assert.Equal(t, "unhealthy", got.Status)
	assert.Equal(t, "v1.2.3", got.Version)
	assert.NotEmpty(t, got.Uptime)
	assert.Equal(t, map[string]string{
		ComponentKubernetes: "healthy",
		ComponentTransport:  "unhealthy: stream closed",
	}, got.Components)
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentHealthy.WithLabelValues(ComponentTransport)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentHealthy.WithLabelValues(ComponentKubernetes)))

	UpdateComponent(ComponentTransport, true, "")
	assert.Equal(t, "healthy", GetHealth().Status)
	comp, ok := Component(ComponentTransport)
	assert.True(t, ok)
	assert.True(t, comp.Healthy)
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentHealthy.WithLabelValues(ComponentTransport)))
}
