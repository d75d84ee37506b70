package mechanism

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube/kubetest"
	"github.com/mlsysops/continuum/pkg/registry"
	"github.com/mlsysops/continuum/pkg/types"
)

const testNamespace = "mlsysops"

type fixture struct {
	m       *Mechanism
	reg     *registry.Registry
	cluster *kubetest.Cluster
}

func newFixture(t *testing.T, nodes ...*corev1.Node) *fixture {
	t.Helper()
	objs := make([]runtime.Object, 0, len(nodes))
	for _, n := range nodes {
		objs = append(objs, n)
	}
	cluster := kubetest.NewCluster(objs...)
	reg := registry.New(registry.Config{Namespace: testNamespace}, cluster.Client, nil)
	for _, n := range nodes {
		reg.ApplyNodeEvent(events.OpAdded, n)
	}
	m := New(Config{
		ReadyTimeout:       200 * time.Millisecond,
		PredecessorTimeout: 200 * time.Millisecond,
		TeardownTimeout:    time.Second,
		PollInterval:       10 * time.Millisecond,
	}, cluster.Client, reg)
	return &fixture{m: m, reg: reg, cluster: cluster}
}

func edgeNodes(names ...string) []*corev1.Node {
	var out []*corev1.Node
	for _, n := range names {
		out = append(out, kubetest.Node(n, types.LayerEdge, "4", "8Gi"))
	}
	return out
}

func (f *fixture) ingest(t *testing.T, spec *types.AppSpec) {
	t.Helper()
	_, err := f.reg.IngestApp(context.Background(), spec)
	require.NoError(t, err)
}

// deployInitial runs the S1 initial plan: c1 on n1, c2 on n2
func (f *fixture) deployInitial(t *testing.T) *types.PlanResult {
	t.Helper()
	f.ingest(t, kubetest.AppA())
	res, err := f.m.Apply(context.Background(), &types.Plan{
		UID:     "p-initial",
		AppName: "app-a",
		Initial: true,
		Actions: types.DeploymentPlan{
			"c1": {{Kind: types.ActionDeploy, Host: "n1"}},
			"c2": {{Kind: types.ActionDeploy, Host: "n2"}},
		},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) podsOfPlan(t *testing.T, planUID string) []corev1.Pod {
	t.Helper()
	pods, err := f.cluster.Client.FindPods(context.Background(), testNamespace, map[string]string{types.LabelPlanUID: planUID})
	require.NoError(t, err)
	return pods
}

func (f *fixture) activePod(t *testing.T, comp string) types.HostEntry {
	t.Helper()
	rt, ok := f.reg.Snapshot("app-a")
	require.True(t, ok)
	require.Len(t, rt.CurrPlan[comp], 1)
	return rt.CurrPlan[comp][0]
}

func TestInitialDeploy(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2")...)
	res := f.deployInitial(t)

	assert.Equal(t, types.PlanCompleted, res.Status)
	require.Len(t, res.PlanDict, 2)
	for pod, change := range res.PlanDict["c1"] {
		assert.True(t, strings.HasPrefix(pod, "c1-"))
		assert.Equal(t, "n1", change.NodeName)
		assert.Equal(t, types.PodEventAdded, change.Event)
	}

	pods := f.podsOfPlan(t, "p-initial")
	require.Len(t, pods, 2)
	for _, p := range pods {
		for _, key := range []string{types.LabelApp, types.LabelAppUID, types.LabelComponent, types.LabelComponentUID, types.LabelPlanUID} {
			assert.NotEmpty(t, p.Labels[key], "pod %s label %s", p.Name, key)
		}
		if p.Labels[types.LabelComponent] == "c2" {
			assert.Equal(t, "n2", p.Spec.NodeName)
			assert.Contains(t, p.Spec.Containers[0].Env, corev1.EnvVar{Name: registry.EnvServiceAddr, Value: "10.96.0.1:8000"})
		}
	}

	rt, _ := f.reg.Snapshot("app-a")
	assert.Equal(t, 2, rt.TotalPods)
	assert.Equal(t, "n1", rt.CurrPlan["c1"][0].Host)
	assert.Equal(t, types.StatusActive, rt.CurrPlan["c1"][0].Status)
	assert.Equal(t, types.PlanCompleted, rt.PlanStatus["p-initial"])
	assert.Equal(t, []types.Layer{types.LayerEdge}, rt.Components["c1"].Placement)
}

func TestMove(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2", "n3")...)
	f.deployInitial(t)
	old := f.activePod(t, "c1")

	res, err := f.m.Apply(context.Background(), &types.Plan{
		UID:     "p-move",
		AppName: "app-a",
		Actions: types.DeploymentPlan{"c1": {{Kind: types.ActionMove, SrcHost: "n1", TargetHost: "n3"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, res.Status)

	moved := f.activePod(t, "c1")
	assert.Equal(t, "n3", moved.Host)
	assert.NotEqual(t, old.PodName, moved.PodName)

	_, err = f.cluster.Client.GetPod(context.Background(), testNamespace, old.PodName)
	assert.True(t, apierrors.IsNotFound(err))

	require.Len(t, res.PlanDict["c1"], 2)
	assert.Equal(t, types.PodEventComponentPlaced, res.PlanDict["c1"][moved.PodName].Event)
	assert.Equal(t, "n1", res.PlanDict["c1"][old.PodName].NodeName)
	assert.Equal(t, types.PodEventComponentRemoved, res.PlanDict["c1"][old.PodName].Event)
}

func TestMoveToIneligibleHostLeavesStateUnchanged(t *testing.T) {
	nodes := edgeNodes("n1", "n2")
	nodes = append(nodes, kubetest.Node("n3", types.LayerEdge, "100m", "8Gi"))
	f := newFixture(t, nodes...)
	f.deployInitial(t)

	before, _ := f.reg.Snapshot("app-a")
	created := len(f.cluster.Created())

	res, err := f.m.Apply(context.Background(), &types.Plan{
		UID:     "p-move",
		AppName: "app-a",
		Actions: types.DeploymentPlan{"c1": {{Kind: types.ActionMove, SrcHost: "n1", TargetHost: "n3"}}},
	})
	require.ErrorIs(t, err, errdefs.ErrHostIneligible)
	assert.Equal(t, types.PlanFailed, res.Status)
	assert.Equal(t, "HostIneligible", res.Reason)

	after, _ := f.reg.Snapshot("app-a")
	assert.Equal(t, before, after)
	assert.Len(t, f.cluster.Created(), created)
	assert.Empty(t, f.cluster.Deleted())
}

func TestChangeSpecFromDescription(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2")...)
	f.deployInitial(t)
	old := f.activePod(t, "c1")
	oldPod, err := f.cluster.Client.GetPod(context.Background(), testNamespace, old.PodName)
	require.NoError(t, err)

	updated := kubetest.AppA()
	updated.Components[0].Containers[0].Image = "registry.local/c1:v2"
	plan, err := f.reg.UpdateApp(updated)
	require.NoError(t, err)

	res, err := f.m.Apply(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, res.Status)

	current := f.activePod(t, "c1")
	assert.Equal(t, "n1", current.Host)
	assert.NotEqual(t, old.PodName, current.PodName)

	pod, err := f.cluster.Client.GetPod(context.Background(), testNamespace, current.PodName)
	require.NoError(t, err)
	assert.Equal(t, "registry.local/c1:v2", pod.Spec.Containers[0].Image)
	assert.Equal(t, plan.UID, pod.Labels[types.LabelPlanUID])
	assert.NotEqual(t, oldPod.Labels[types.LabelComponentUID], pod.Labels[types.LabelComponentUID])

	_, err = f.cluster.Client.GetPod(context.Background(), testNamespace, old.PodName)
	assert.True(t, apierrors.IsNotFound(err))

	change := res.PlanDict["c1"][current.PodName]
	assert.Equal(t, types.PodEventModified, change.Event)
	assert.Equal(t, old.PodName, change.Replaces)
	assert.NotContains(t, res.PlanDict["c1"], old.PodName)
	assert.NotContains(t, res.PlanDict, "c2", "c2 template did not change")

	rt, _ := f.reg.Snapshot("app-a")
	assert.Equal(t, "registry.local/c1:v2", rt.Spec.Components[0].Containers[0].Image)
	assert.Equal(t, "registry.local/c1:v2", rt.Components["c1"].PodTemplate.Spec.Containers[0].Image)
}

func TestChangeSpecRepinsHost(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2", "n3")...)
	f.deployInitial(t)
	old := f.activePod(t, "c2")

	updated := kubetest.AppA()
	updated.Components[1].NodePlacement.Node = "n3"
	plan, err := f.reg.UpdateApp(updated)
	require.NoError(t, err)

	res, err := f.m.Apply(context.Background(), plan)
	require.NoError(t, err)

	current := f.activePod(t, "c2")
	assert.Equal(t, "n3", current.Host)
	assert.Equal(t, types.PodEventComponentPlaced, res.PlanDict["c2"][current.PodName].Event)
	assert.Equal(t, types.PodEventComponentRemoved, res.PlanDict["c2"][old.PodName].Event)
}

func TestNoEffectiveChange(t *testing.T) {
	t.Run("description only touches globalSatisfaction", func(t *testing.T) {
		f := newFixture(t, edgeNodes("n1", "n2")...)
		f.deployInitial(t)
		before, _ := f.reg.Snapshot("app-a")
		created := len(f.cluster.Created())

		updated := kubetest.AppA()
		updated.GlobalSatisfaction = &types.GlobalSatisfaction{Threshold: 0.8}
		plan, err := f.reg.UpdateApp(updated)
		require.NoError(t, err)

		res, err := f.m.Apply(context.Background(), plan)
		assert.ErrorIs(t, err, errdefs.ErrNoEffectiveChange)
		assert.Equal(t, "NoEffectiveChange", res.Reason)

		after, _ := f.reg.Snapshot("app-a")
		assert.Equal(t, before, after)
		assert.Len(t, f.cluster.Created(), created)
		assert.Empty(t, f.cluster.Deleted())
	})

	t.Run("policy change_spec with identical spec", func(t *testing.T) {
		f := newFixture(t, edgeNodes("n1", "n2")...)
		f.deployInitial(t)
		rt, _ := f.reg.Snapshot("app-a")

		_, err := f.m.Apply(context.Background(), &types.Plan{
			UID:     "p-same",
			AppName: "app-a",
			Actions: types.DeploymentPlan{"c1": {{Kind: types.ActionChangeSpec, Host: "n1", NewSpec: rt.Spec.Components[0].DeepCopy()}}},
		})
		assert.ErrorIs(t, err, errdefs.ErrNoEffectiveChange)
	})
}

func TestPolicyChangeSpec(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2")...)
	f.deployInitial(t)
	rt, _ := f.reg.Snapshot("app-a")

	next := rt.Spec.Components[0].DeepCopy()
	next.Containers[0].PlatformRequirements.Memory.Requests = "384Mi"
	res, err := f.m.Apply(context.Background(), &types.Plan{
		UID:     "p-mem",
		AppName: "app-a",
		Actions: types.DeploymentPlan{"c1": {{Kind: types.ActionChangeSpec, Host: "n1", NewSpec: next}}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, res.Status)

	after, _ := f.reg.Snapshot("app-a")
	mem := after.Components["c1"].Requests[corev1.ResourceMemory]
	assert.Equal(t, "384Mi", mem.String())
	assert.Len(t, f.podsOfPlan(t, "p-mem"), 1)

	t.Run("unsupported field", func(t *testing.T) {
		bad := after.Spec.Components[0].DeepCopy()
		bad.Containers[0].Ports[0].ContainerPort = 9999
		_, err := f.m.Apply(context.Background(), &types.Plan{
			UID:     "p-bad",
			AppName: "app-a",
			Actions: types.DeploymentPlan{"c1": {{Kind: types.ActionChangeSpec, Host: "n1", NewSpec: bad}}},
		})
		assert.ErrorIs(t, err, errdefs.ErrUnsupportedMutation)
	})
}

func TestRollback(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *kubetest.Cluster)
		wantErr error
	}{
		{
			name:  "creation failure",
			setup: func(c *kubetest.Cluster) { c.FailCreate("c2", errors.New("quota exceeded")) },
		},
		{
			name:    "pod never ready",
			setup:   func(c *kubetest.Cluster) { c.NotReady("c2") },
			wantErr: errdefs.ErrPodNeverReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, edgeNodes("n1", "n2")...)
			f.ingest(t, kubetest.AppA())
			tt.setup(f.cluster)
			before, _ := f.reg.Snapshot("app-a")

			res, err := f.m.Apply(context.Background(), &types.Plan{
				UID:     "p-initial",
				AppName: "app-a",
				Actions: types.DeploymentPlan{
					"c1": {{Kind: types.ActionDeploy, Host: "n1"}},
					"c2": {{Kind: types.ActionDeploy, Host: "n2"}},
				},
			})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, types.PlanFailed, res.Status)
			assert.Nil(t, res.PlanDict)

			after, _ := f.reg.Snapshot("app-a")
			assert.Equal(t, before, after)
			assert.Empty(t, f.podsOfPlan(t, "p-initial"))
			assert.NotEmpty(t, f.cluster.Deleted(), "c1 pod must be rolled back")
		})
	}
}

func TestDependsOn(t *testing.T) {
	t.Run("predecessor deployed first", func(t *testing.T) {
		f := newFixture(t, edgeNodes("n1", "n2")...)
		spec := kubetest.AppA()
		spec.Components[0].DependsOn = []string{"c2"}
		f.ingest(t, spec)

		_, err := f.m.Apply(context.Background(), &types.Plan{
			UID:     "p-1",
			AppName: "app-a",
			Actions: types.DeploymentPlan{
				"c1": {{Kind: types.ActionDeploy, Host: "n1"}},
				"c2": {{Kind: types.ActionDeploy, Host: "n2"}},
			},
		})
		require.NoError(t, err)
		created := f.cluster.Created()
		require.Len(t, created, 2)
		assert.True(t, strings.HasPrefix(created[0], "c2-"))
	})

	t.Run("predecessor without instance", func(t *testing.T) {
		f := newFixture(t, edgeNodes("n1", "n2")...)
		spec := kubetest.AppA()
		spec.Components[1].DependsOn = []string{"c1"}
		f.ingest(t, spec)

		_, err := f.m.Apply(context.Background(), &types.Plan{
			UID:     "p-1",
			AppName: "app-a",
			Actions: types.DeploymentPlan{"c2": {{Kind: types.ActionDeploy, Host: "n2"}}},
		})
		assert.ErrorIs(t, err, errdefs.ErrPredecessorStuck)
		assert.Empty(t, f.cluster.Created())
	})

	t.Run("predecessor never ready", func(t *testing.T) {
		f := newFixture(t, edgeNodes("n1", "n2")...)
		spec := kubetest.AppA()
		spec.Components[1].DependsOn = []string{"c1"}
		f.ingest(t, spec)
		f.cluster.NotReady("c1")

		_, err := f.m.Apply(context.Background(), &types.Plan{
			UID:     "p-1",
			AppName: "app-a",
			Actions: types.DeploymentPlan{
				"c1": {{Kind: types.ActionDeploy, Host: "n1"}},
				"c2": {{Kind: types.ActionDeploy, Host: "n2"}},
			},
		})
		assert.ErrorIs(t, err, errdefs.ErrPredecessorStuck)
		assert.Empty(t, f.podsOfPlan(t, "p-1"))
	})
}

func TestPlanErrors(t *testing.T) {
	tests := []struct {
		name    string
		actions types.DeploymentPlan
		wantErr error
	}{
		{"remove from host without instance", types.DeploymentPlan{"c1": {{Kind: types.ActionRemove, Host: "n2"}}}, errdefs.ErrHostNotPlaced},
		{"unknown component", types.DeploymentPlan{"c9": {{Kind: types.ActionDeploy, Host: "n1"}}}, errdefs.ErrValidationFailed},
		{"unknown node", types.DeploymentPlan{"c1": {{Kind: types.ActionDeploy, Host: "n9"}}}, errdefs.ErrHostIneligible},
		{"empty plan", types.DeploymentPlan{}, errdefs.ErrValidationFailed},
	}

	f := newFixture(t, edgeNodes("n1", "n2")...)
	f.deployInitial(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Apply(context.Background(), &types.Plan{UID: "p-x", AppName: "app-a", Actions: tt.actions})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := f.m.Apply(context.Background(), &types.Plan{UID: "p-y", AppName: "app-b", Actions: types.DeploymentPlan{}})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRemoveAndDeploySameComponent(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2")...)
	f.deployInitial(t)

	res, err := f.m.Apply(context.Background(), &types.Plan{
		UID:     "p-swap",
		AppName: "app-a",
		Actions: types.DeploymentPlan{"c1": {
			{Kind: types.ActionRemove, Host: "n1"},
			{Kind: types.ActionDeploy, Host: "n2"},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, res.PlanDict["c1"], 2)
	assert.Equal(t, "n2", f.activePod(t, "c1").Host)
}

func TestRemoveApp(t *testing.T) {
	f := newFixture(t, edgeNodes("n1", "n2")...)
	f.deployInitial(t)

	dict, err := f.m.Remove(context.Background(), "app-a")
	require.NoError(t, err)
	byNode := dict.ByNode()
	assert.Len(t, byNode["n1"]["c1"], 1)
	assert.Len(t, byNode["n2"]["c2"], 1)
	assert.False(t, f.reg.Has("app-a"))
	assert.Empty(t, f.podsOfPlan(t, "p-initial"))

	_, err = f.cluster.Client.GetService(context.Background(), testNamespace, "c1")
	assert.True(t, apierrors.IsNotFound(err))

	_, err = f.m.Remove(context.Background(), "app-a")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
