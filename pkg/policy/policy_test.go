package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/tasklog"
	"github.com/mlsysops/continuum/pkg/types"
)

// stub is a scriptable policy; tests reach instances through stubs by the
// "id" parameter
type stub struct {
	initial  types.DeploymentPlan
	replan   atomic.Bool
	plan     types.DeploymentPlan
	specPlan types.DeploymentPlan

	analyzes    atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

var (
	stubsMu sync.Mutex
	stubs   = map[string]*stub{}
)

func init() {
	Register("test-stub", func(params map[string]string) (Policy, error) {
		stubsMu.Lock()
		defer stubsMu.Unlock()
		s, ok := stubs[params["id"]]
		if !ok {
			return nil, errdefs.Wrap(errdefs.ErrNotFound, "stub %s", params["id"])
		}
		return s, nil
	})
}

func newStub(t *testing.T, s *stub) string {
	stubsMu.Lock()
	defer stubsMu.Unlock()
	stubs[t.Name()] = s
	return t.Name()
}

func (s *stub) InitialPlan(*types.AppRuntime, []types.NodeRecord) (types.DeploymentPlan, error) {
	return s.initial, nil
}

func (s *stub) Analyze(context.Context, Input) (bool, State, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if n > s.maxInFlight.Load() {
		s.maxInFlight.Store(n)
	}
	s.analyzes.Add(1)
	time.Sleep(time.Millisecond)
	return s.replan.Load(), State{"seen": true}, nil
}

func (s *stub) Plan(context.Context, Input) (types.DeploymentPlan, error) {
	s.replan.Store(false)
	return s.plan, nil
}

func (s *stub) ReplanFromSpec(_, _ *types.AppSpec, _ State, _ map[string][]types.HostEntry) (types.DeploymentPlan, error) {
	return s.specPlan, nil
}

type apps struct {
	rt map[string]*types.AppRuntime
}

func (a *apps) Snapshot(name string) (*types.AppRuntime, bool) {
	rt, ok := a.rt[name]
	if !ok {
		return nil, false
	}
	return rt.DeepCopy(), true
}

func (a *apps) Nodes() []types.NodeRecord {
	return []types.NodeRecord{{Name: "n1", KubernetesReady: true}}
}

type submitter struct {
	plans chan *types.Plan
}

func (s *submitter) Submit(_ context.Context, plan *types.Plan) error {
	s.plans <- plan
	return nil
}

func newController(t *testing.T, id string) (*Controller, *submitter, *tasklog.Log) {
	t.Helper()
	catalog := NewCatalog("", types.TierCluster)
	require.NoError(t, catalog.Add(Descriptor{Name: "stub", Policy: "test-stub", Params: map[string]string{"id": id}}))

	tasks, err := tasklog.New(nil)
	require.NoError(t, err)
	sub := &submitter{plans: make(chan *types.Plan, 16)}
	source := &apps{rt: map[string]*types.AppRuntime{
		"app-a": {
			Spec:       types.AppSpec{Name: "app-a", Components: []types.ComponentSpec{{Name: "c1"}}},
			Components: map[string]*types.ComponentRuntime{"c1": {Name: "c1"}},
		},
	}}
	c := NewController(Config{Tier: types.TierCluster, Period: 5 * time.Millisecond}, catalog, source, nil, sub, tasks)
	t.Cleanup(c.Stop)
	return c, sub, tasks
}

func (s *submitter) next(t *testing.T) *types.Plan {
	t.Helper()
	select {
	case p := <-s.plans:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no plan submitted")
		return nil
	}
}

func TestInitialPlanIsMintedAndLogged(t *testing.T) {
	id := newStub(t, &stub{initial: types.DeploymentPlan{"c1": {{Kind: types.ActionDeploy, Host: "n1"}}}})
	c, sub, tasks := newController(t, id)

	require.NoError(t, c.StartApp(context.Background(), "app-a", true))
	assert.True(t, c.Running("app-a"))

	plan := sub.next(t)
	assert.True(t, plan.Initial)
	assert.Equal(t, "app-a", plan.AppName)
	assert.Equal(t, types.OriginClusterPolicy, plan.Origin)
	assert.Equal(t, "stub", plan.Policy)
	assert.NotEmpty(t, plan.UID)

	status, ok := tasks.Status(plan.UID, types.TierCluster)
	require.True(t, ok)
	assert.Equal(t, types.PlanPending, status)

	// Starting twice keeps the single runner
	require.NoError(t, c.StartApp(context.Background(), "app-a", true))
	select {
	case p := <-sub.plans:
		t.Fatalf("unexpected second plan %s", p.UID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnalyzeCycleSubmitsPlan(t *testing.T) {
	s := &stub{plan: types.DeploymentPlan{"c1": {{Kind: types.ActionDeploy, Host: "n1"}}}}
	id := newStub(t, s)
	c, sub, _ := newController(t, id)

	require.NoError(t, c.StartApp(context.Background(), "app-a", false))
	s.replan.Store(true)

	plan := sub.next(t)
	assert.False(t, plan.Initial)
	assert.Len(t, plan.Actions["c1"], 1)

	require.Eventually(t, func() bool { return s.analyzes.Load() > 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), s.maxInFlight.Load())
}

func TestStopAppCancelsCycles(t *testing.T) {
	s := &stub{}
	id := newStub(t, s)
	c, _, _ := newController(t, id)

	require.NoError(t, c.StartApp(context.Background(), "app-a", false))
	require.Eventually(t, func() bool { return s.analyzes.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	c.StopApp("app-a")
	assert.False(t, c.Running("app-a"))
	n := s.analyzes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, s.analyzes.Load())

	// Stopping an unknown app is a no-op
	c.StopApp("app-a")
}

func TestSpecChangedRunsReplan(t *testing.T) {
	s := &stub{specPlan: types.DeploymentPlan{"c1": {{Kind: types.ActionRemove, Host: "n1"}}}}
	id := newStub(t, s)
	c, sub, _ := newController(t, id)

	require.NoError(t, c.StartApp(context.Background(), "app-a", false))
	c.SpecChanged("app-a", &types.AppSpec{Name: "app-a"}, &types.AppSpec{Name: "app-a"})

	plan := sub.next(t)
	assert.Equal(t, types.ActionRemove, plan.Actions["c1"][0].Kind)
}

func TestStartUnknownApp(t *testing.T) {
	id := newStub(t, &stub{})
	c, _, _ := newController(t, id)
	assert.ErrorIs(t, c.StartApp(context.Background(), "nope", false), errdefs.ErrNotFound)
}

func writeDescriptor(t *testing.T, dir, file, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestCatalogLoad(t *testing.T) {
	id := newStub(t, &stub{})
	dir := t.TempDir()
	writeDescriptor(t, dir, "b.yaml", "name: b\npolicy: test-stub\nperiod: 2s\nparams:\n  id: "+id+"\n")
	writeDescriptor(t, dir, "a.yml", "name: a\npolicy: test-stub\napps: [app-a]\n")
	writeDescriptor(t, dir, "node.yaml", "name: n\npolicy: test-stub\ntier: node\n")
	writeDescriptor(t, dir, "unknown.yaml", "name: u\npolicy: does-not-exist\n")
	writeDescriptor(t, dir, "broken.yaml", "name: [\n")
	writeDescriptor(t, dir, "notes.txt", "ignored")

	c := NewCatalog(dir, types.TierCluster)
	require.NoError(t, c.Load())

	b, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, b.Period)
	assert.Equal(t, id, b.Params["id"])

	_, ok = c.Get("n")
	assert.False(t, ok, "descriptors of other tiers are skipped")
	_, ok = c.Get("u")
	assert.False(t, ok)

	tests := []struct {
		name string
		spec types.AppSpec
		want []string
	}{
		{"scoped and global", types.AppSpec{Name: "app-a"}, []string{"a", "b"}},
		{"global only", types.AppSpec{Name: "app-b"}, []string{"b"}},
		{"explicit order", types.AppSpec{Name: "app-a", Policies: []string{"b", "missing", "a"}}, []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range c.ForApp(&tt.spec) {
				got = append(got, d.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalogWatchReloads(t *testing.T) {
	dir := t.TempDir()
	c := NewCatalog(dir, types.TierCluster)
	require.NoError(t, c.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 8)
	go func() { _ = c.Watch(ctx, func() { changed <- struct{}{} }) }()

	require.Eventually(t, func() bool {
		writeDescriptor(t, dir, "late.yaml", "name: late\npolicy: test-stub\n")
		select {
		case <-changed:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	_, ok := c.Get("late")
	assert.True(t, ok)
}

func TestRegisterTwicePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register("test-stub", func(map[string]string) (Policy, error) { return nil, nil })
	})
	assert.Contains(t, Registered(), "test-stub")
}
