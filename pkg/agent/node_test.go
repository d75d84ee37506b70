package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/nodeagent"
	"github.com/mlsysops/continuum/pkg/transport"
	"github.com/mlsysops/continuum/pkg/types"
)

func TestNodeBootAndComponents(t *testing.T) {
	hub := transport.NewHub()
	cluster := hub.Endpoint("cluster-1", 16)
	reconnects := make(chan struct{}, 1)

	cfg := testConfig(t, types.TierNode, "n1")
	cfg.Parent = "cluster-1"
	cfg.Description = &config.Description{Name: "n1", Layer: types.LayerEdge}
	actx, err := NewContext(cfg, hub.Endpoint("n1", 16), nil, nil)
	require.NoError(t, err)
	n, err := NewNode(actx, WithConfigurator(nopConfigurator{}), WithReconnects(reconnects))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	defer n.Stop()

	msg := expect(t, cluster, events.NodeSystemDescriptionSubmitted)
	var desc types.NodeDescription
	require.NoError(t, msg.Decode(&desc))
	assert.Equal(t, "n1", desc.Name)
	assert.Equal(t, "cluster-1", desc.Cluster)

	msg = expect(t, cluster, events.NodeStateSync)
	var req nodeagent.SyncRequest
	require.NoError(t, msg.Decode(&req))
	assert.Equal(t, "n1", req.Node)

	require.NoError(t, cluster.Send(ctx, "n1", events.MustMessage(events.ComponentPlaced, &types.ComponentEvent{
		PlanUID:   "p-1",
		AppName:   "app-a",
		Component: "c1",
		PodName:   "c1-x7k2p",
		NodeName:  "n1",
	})))
	msg = expect(t, cluster, events.PlanExecuted)
	var res types.PlanExecuted
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, "p-1", res.PlanUID)
	assert.Equal(t, types.PlanCompleted, res.Status)
	assert.Equal(t, []string{"app-a"}, n.Mechanism().Apps())

	reconnects <- struct{}{}
	expect(t, cluster, events.NodeStateSync)
}

func TestNewNodeRequiresCluster(t *testing.T) {
	actx, err := NewContext(testConfig(t, types.TierNode, "n1"), nil, nil, nil)
	require.NoError(t, err)
	_, err = NewNode(actx)
	assert.Error(t, err)
}
