package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/telemetry"
	"github.com/mlsysops/continuum/pkg/types"
)

func node(name string, layer types.Layer, cpuMilli int64) types.NodeRecord {
	return types.NodeRecord{
		Name:            name,
		Layer:           layer,
		KubernetesReady: true,
		Allocatable:     types.NodeResources{CPUMilli: cpuMilli, MemoryBytes: 8 << 30},
	}
}

func component(name string, cpu string, layers ...types.Layer) *types.ComponentRuntime {
	cr := &types.ComponentRuntime{
		Name:     name,
		Spec:     types.ComponentSpec{Name: name},
		Requests: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse(cpu)},
	}
	if len(layers) > 0 {
		cr.Spec.NodePlacement = &types.NodePlacement{ContinuumLayer: layers}
	}
	return cr
}

func app(comps ...*types.ComponentRuntime) *types.AppRuntime {
	rt := &types.AppRuntime{
		Spec:       types.AppSpec{Name: "app-a"},
		Components: map[string]*types.ComponentRuntime{},
	}
	for _, c := range comps {
		rt.Spec.Components = append(rt.Spec.Components, c.Spec)
		rt.Components[c.Name] = c
	}
	return rt
}

func build(t *testing.T, name string, params map[string]string) policy.Policy {
	t.Helper()
	f, err := policy.Lookup(name)
	require.NoError(t, err)
	p, err := f(params)
	require.NoError(t, err)
	return p
}

func TestStaticPlacementInitialPlan(t *testing.T) {
	nodes := []types.NodeRecord{
		node("cloud-1", types.LayerCloud, 8000),
		node("n1", types.LayerEdge, 4000),
		node("n2", types.LayerEdge, 4000),
		node("tiny", types.LayerEdge, 100),
	}
	p := build(t, StaticPlacement, nil)

	plan, err := p.InitialPlan(app(
		component("c1", "500m", types.LayerEdge),
		component("c2", "250m", types.LayerEdge),
		component("c3", "1", types.LayerCloud),
	), nodes)
	require.NoError(t, err)

	assert.Equal(t, "n1", plan["c1"][0].Host)
	assert.Equal(t, "n2", plan["c2"][0].Host, "instances spread over eligible nodes")
	assert.Equal(t, "cloud-1", plan["c3"][0].Host)
	for _, actions := range plan {
		assert.Equal(t, types.ActionDeploy, actions[0].Kind)
	}

	_, err = p.InitialPlan(app(component("big", "64")), nodes)
	assert.ErrorIs(t, err, errdefs.ErrHostIneligible)
}

func TestStaticPlacementRedeploysAfterGrace(t *testing.T) {
	p := build(t, StaticPlacement, map[string]string{"grace": "2"})
	rt := app(component("c1", "100m"))
	in := policy.Input{App: rt, Nodes: []types.NodeRecord{node("n1", types.LayerEdge, 4000)}, State: policy.State{}}

	replan, state, err := p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan)

	in.State = state
	replan, state, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, replan)

	in.State = state
	plan, err := p.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []types.Action{{Kind: types.ActionDeploy, Host: "n1"}}, plan["c1"])

	rt.Components["c1"].Hosts = []types.HostEntry{{Host: "n1", Status: types.StatusActive}}
	replan, _, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan)
}

func TestRelocateUnready(t *testing.T) {
	p := build(t, RelocateUnready, map[string]string{"strikes": "2"})
	c1 := component("c1", "100m")
	c1.Hosts = []types.HostEntry{{Host: "n1", Status: types.StatusActive, PodName: "c1-aaaa"}}
	rt := app(c1)
	snap := &telemetry.Snapshot{
		Pods:      map[string]int{"c1": 1},
		ReadyPods: map[string]int{},
		PodReady:  map[string]bool{"c1-aaaa": false},
	}
	in := policy.Input{
		App:       rt,
		Nodes:     []types.NodeRecord{node("n1", types.LayerEdge, 4000), node("n2", types.LayerEdge, 4000)},
		Telemetry: snap,
		State:     policy.State{},
	}

	replan, _, err := p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan)
	replan, _, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	require.True(t, replan)

	plan, err := p.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []types.Action{{Kind: types.ActionMove, SrcHost: "n1", TargetHost: "n2"}}, plan["c1"])

	// Strikes restart after a plan
	replan, _, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan)

	// No telemetry, no decision
	in.Telemetry = nil
	replan, _, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan)
}

func TestOffload(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"missing metric", map[string]string{"target": "n9", "above": "1"}},
		{"missing target", map[string]string{"metric": "load", "above": "1"}},
		{"bad threshold", map[string]string{"metric": "load", "target": "n9", "above": "high"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := policy.Lookup(Offload)
			require.NoError(t, err)
			_, err = f(tt.params)
			assert.ErrorIs(t, err, errdefs.ErrValidationFailed)
		})
	}

	p := build(t, Offload, map[string]string{"metric": "load", "above": "0.8", "target": "n9", "components": "c2"})
	c1 := component("c1", "100m")
	c1.Hosts = []types.HostEntry{{Host: "n5", Status: types.StatusActive}}
	c2 := component("c2", "100m")
	c2.Hosts = []types.HostEntry{{Host: "n5", Status: types.StatusActive}}
	in := policy.Input{
		Self:      "n5",
		App:       app(c1, c2),
		Telemetry: &telemetry.Snapshot{Metrics: map[string]float64{"load": 0.5}},
		State:     policy.State{},
	}

	replan, _, err := p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan, "below threshold")

	in.Telemetry.Metrics["load"] = 0.9
	replan, _, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	require.True(t, replan)

	plan, err := p.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentPlan{"c2": {{Kind: types.ActionMove, SrcHost: "n5", TargetHost: "n9"}}}, plan)

	// Not proposed twice while the move is pending
	replan, _, err = p.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replan)
}

func TestDefaults(t *testing.T) {
	assert.Len(t, Defaults(types.TierCluster), 2)
	assert.Empty(t, Defaults(types.TierNode))
}
