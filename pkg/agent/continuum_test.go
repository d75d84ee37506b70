package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/kube/kubetest"
	"github.com/mlsysops/continuum/pkg/transport"
	"github.com/mlsysops/continuum/pkg/types"
)

func newTestContinuum(t *testing.T, hub *transport.Hub) (*Continuum, *kubetest.Cluster) {
	t.Helper()
	kc := kubetest.NewCluster()
	actx, err := NewContext(testConfig(t, types.TierContinuum, "continuum"), hub.Endpoint("continuum", 64), kc.Client, nil)
	require.NoError(t, err)
	c, err := NewContinuum(actx)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return c, kc
}

func joinClusters(t *testing.T, hub *transport.Hub, c *Continuum, names ...string) map[string]*transport.Endpoint {
	t.Helper()
	ctx := context.Background()
	eps := make(map[string]*transport.Endpoint, len(names))
	for _, name := range names {
		ep := hub.Endpoint(name, 16)
		desc := &config.Description{Name: name, Continuum: "continuum", Layer: types.LayerEdge}
		require.NoError(t, ep.Send(ctx, "continuum", events.MustMessage(events.ClusterSystemDescriptionSubmitted, desc)))
		eps[name] = ep
	}
	require.Eventually(t, func() bool {
		return len(c.Clusters()) == len(names)
	}, 5*time.Second, 20*time.Millisecond)
	return eps
}

func TestContinuumForwardsApps(t *testing.T) {
	hub := transport.NewHub()
	c, _ := newTestContinuum(t, hub)
	eps := joinClusters(t, hub, c, "cluster-1", "cluster-2")
	assert.Equal(t, []string{"cluster-1", "cluster-2"}, c.Clusters())

	desc, ok := c.Description("cluster-2")
	require.True(t, ok)
	assert.Equal(t, types.LayerEdge, desc.Layer)

	inject(t, c.Agent, events.AppCreated, kubetest.AppA())
	for _, ep := range eps {
		msg := expect(t, ep, events.AppSubmit)
		var spec types.AppSpec
		require.NoError(t, msg.Decode(&spec))
		assert.Equal(t, "app-a", spec.Name)
		assert.Equal(t, "continuum", msg.From)
	}
}

func TestContinuumHonorsClusterPlacement(t *testing.T) {
	hub := transport.NewHub()
	c, _ := newTestContinuum(t, hub)
	eps := joinClusters(t, hub, c, "cluster-1", "cluster-2")

	app := kubetest.AppA()
	app.ClusterPlacement = []string{"cluster-2"}
	inject(t, c.Agent, events.AppCreated, app)
	inject(t, c.Agent, events.AppDeleted, app)

	expect(t, eps["cluster-2"], events.AppSubmit)
	expect(t, eps["cluster-2"], events.AppRemoved)
	select {
	case msg := <-eps["cluster-1"].Inbound():
		t.Fatalf("cluster-1 received %s", msg.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestContinuumWatchesApps(t *testing.T) {
	hub := transport.NewHub()
	c, kc := newTestContinuum(t, hub)
	eps := joinClusters(t, hub, c, "cluster-1")

	obj, err := kube.AppToUnstructured(kubetest.AppA(), "mlsysops")
	require.NoError(t, err)
	_, err = kc.Client.CreateResource(context.Background(), kube.AppsGVR, "mlsysops", obj)
	require.NoError(t, err)

	msg := expect(t, eps["cluster-1"], events.AppSubmit)
	var spec types.AppSpec
	require.NoError(t, msg.Decode(&spec))
	assert.Len(t, spec.Components, 2)
}

func TestContinuumForgetsRemovedCluster(t *testing.T) {
	hub := transport.NewHub()
	c, _ := newTestContinuum(t, hub)
	eps := joinClusters(t, hub, c, "cluster-1", "cluster-2")

	require.NoError(t, eps["cluster-1"].Send(context.Background(), "continuum",
		events.MustMessage(events.ClusterSystemDescriptionRemoved, &config.Description{Name: "cluster-1"})))
	require.Eventually(t, func() bool {
		return len(c.Clusters()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"cluster-2"}, c.Clusters())
}
