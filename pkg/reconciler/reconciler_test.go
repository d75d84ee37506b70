package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/mlsysops/continuum/pkg/kube/kubetest"
	"github.com/mlsysops/continuum/pkg/mechanism"
	"github.com/mlsysops/continuum/pkg/types"
)

type index map[string][]string

func (i index) Has(name string) bool {
	_, ok := i[name]
	return ok
}

func (i index) KnowsPod(app, pod string) bool {
	for _, p := range i[app] {
		if p == pod {
			return true
		}
	}
	return false
}

type tasks struct {
	status map[string]types.PlanStatus
	pruned time.Duration
}

func (t *tasks) Status(uid string, _ types.Tier) (types.PlanStatus, bool) {
	s, ok := t.status[uid]
	return s, ok
}

func (t *tasks) Prune(olderThan time.Duration) int {
	t.pruned = olderThan
	return 2
}

type sweeper struct{ calls int }

func (s *sweeper) Sweep() int {
	s.calls++
	return 1
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pod(name string, age time.Duration, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:              name,
		Namespace:         "mlsysops",
		Labels:            labels,
		CreationTimestamp: metav1.NewTime(now.Add(-age)),
	}}
}

func TestReconcileDeletesOrphanPods(t *testing.T) {
	objs := []runtime.Object{
		pod("c1-aaaa", time.Hour, map[string]string{types.LabelApp: "app-a"}),
		pod("c1-stale", time.Hour, map[string]string{types.LabelApp: "app-a", types.LabelPlanUID: "p-failed"}),
		pod("c2-new", time.Hour, map[string]string{types.LabelApp: "app-a", types.LabelPlanUID: "p-running"}),
		pod("c3-young", time.Second, map[string]string{types.LabelApp: "app-a"}),
		pod("x-gone", time.Hour, map[string]string{types.LabelApp: "app-gone"}),
		pod("otel-collector-n1", time.Hour, map[string]string{types.LabelApp: "app-gone", mechanism.LabelCollector: "otel-collector"}),
		pod("unrelated", time.Hour, nil),
	}
	cluster := kubetest.NewCluster(objs...)
	tl := &tasks{status: map[string]types.PlanStatus{
		"p-failed":  types.PlanFailed,
		"p-running": types.PlanScheduled,
	}}
	sw := &sweeper{}

	r := NewReconciler(Config{Namespace: "mlsysops", TaskRetention: time.Hour}, cluster.Client,
		index{"app-a": {"c1-aaaa"}}, tl, sw)
	r.now = func() time.Time { return now }

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{PodsDeleted: 2, ProxiesExpired: 1, TasksPruned: 2}, report)
	assert.ElementsMatch(t, []string{"c1-stale", "x-gone"}, cluster.Deleted())
	assert.Equal(t, time.Hour, tl.pruned)
	assert.Equal(t, 1, sw.calls)

	pods, err := cluster.Client.FindPods(context.Background(), "mlsysops", nil)
	require.NoError(t, err)
	var names []string
	for _, p := range pods {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"c1-aaaa", "c2-new", "c3-young", "otel-collector-n1", "unrelated"}, names)
}

func TestReconcileWaitsForAppSync(t *testing.T) {
	cluster := kubetest.NewCluster(
		pod("c1-aaaa", time.Hour, map[string]string{types.LabelApp: "app-a"}),
		pod("c2-bbbb", time.Hour, map[string]string{types.LabelApp: "app-b"}),
	)
	sw := &sweeper{}
	r := NewReconciler(Config{Namespace: "mlsysops", WaitForApps: true}, cluster.Client, index{}, nil, sw)
	r.now = func() time.Time { return now }

	// the index is still empty after a restart
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{ProxiesExpired: 1}, report)
	assert.Empty(t, cluster.Deleted())

	r.AppsSynced()
	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.PodsDeleted)
	assert.ElementsMatch(t, []string{"c1-aaaa", "c2-bbbb"}, cluster.Deleted())
}

func TestReconcileWithoutProxies(t *testing.T) {
	cluster := kubetest.NewCluster()
	r := NewReconciler(Config{Namespace: "mlsysops"}, cluster.Client, index{}, nil, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Equal(t, DefaultInterval, r.cfg.Interval)
	assert.Equal(t, DefaultMinPodAge, r.cfg.MinPodAge)
}

func TestRunStopsOnCancel(t *testing.T) {
	cluster := kubetest.NewCluster()
	r := NewReconciler(Config{Namespace: "mlsysops", Interval: 5 * time.Millisecond}, cluster.Client, index{}, nil, &sweeper{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
