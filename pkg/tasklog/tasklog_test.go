package tasklog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/storage"
	"github.com/mlsysops/continuum/pkg/types"
)

func TestUpdatePlanStatusUnknownPlan(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)

	assert.False(t, l.UpdatePlanStatus("nope", types.TierCluster, types.PlanCompleted))
	assert.False(t, l.Expect("nope", types.TierNode))
}

func TestStatusNeverRegresses(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)

	l.Record(&types.TaskLogEntry{PlanUID: "p-1", AppName: "app-a", Origin: types.OriginClusterPolicy})
	require.True(t, l.Expect("p-1", types.TierCluster, types.TierNode))

	tests := []struct {
		tier    types.Tier
		status  types.PlanStatus
		want    types.PlanStatus
		changed bool
	}{
		{types.TierCluster, types.PlanScheduled, types.PlanScheduled, true},
		{types.TierCluster, types.PlanPending, types.PlanScheduled, false},
		{types.TierCluster, types.PlanCompleted, types.PlanCompleted, true},
		{types.TierCluster, types.PlanFailed, types.PlanCompleted, false},
		{types.TierCluster, types.PlanScheduled, types.PlanCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.changed, l.UpdatePlanStatus("p-1", tt.tier, tt.status))
		got, ok := l.Status("p-1", tt.tier)
		require.True(t, ok)
		assert.Equal(t, tt.want, got)
	}

	assert.False(t, l.Terminal("p-1"))
	l.UpdatePlanStatus("p-1", types.TierNode, types.PlanFailed)
	assert.True(t, l.Terminal("p-1"))
}

func TestReplayLeavesEntryUnchanged(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)

	l.Record(&types.TaskLogEntry{
		PlanUID:       "p-1",
		AppName:       "app-a",
		PerTierStatus: map[types.Tier]types.PlanStatus{types.TierCluster: types.PlanCompleted},
	})
	before, _ := l.Get("p-1")

	assert.False(t, l.UpdatePlanStatus("p-1", types.TierCluster, types.PlanCompleted))
	l.Record(&types.TaskLogEntry{
		PlanUID:       "p-1",
		PerTierStatus: map[types.Tier]types.PlanStatus{types.TierCluster: types.PlanPending},
	})

	after, _ := l.Get("p-1")
	assert.Equal(t, before.PerTierStatus, after.PerTierStatus)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestWriteThroughAndPrune(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir(), "cluster")
	require.NoError(t, err)
	defer store.Close()

	l, err := New(store)
	require.NoError(t, err)

	l.Record(&types.TaskLogEntry{PlanUID: "p-old", AppName: "app-a",
		PerTierStatus: map[types.Tier]types.PlanStatus{types.TierCluster: types.PlanCompleted}})
	l.Record(&types.TaskLogEntry{PlanUID: "p-live", AppName: "app-a",
		PerTierStatus: map[types.Tier]types.PlanStatus{types.TierCluster: types.PlanScheduled}})

	reloaded, err := New(store)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
	assert.Len(t, reloaded.ForApp("app-a"), 2)

	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, l.Prune(30*time.Minute))
	_, ok := l.Get("p-old")
	assert.False(t, ok)
	_, ok = l.Get("p-live")
	assert.True(t, ok)

	_, err = store.GetTask("p-old")
	assert.Error(t, err)
}
