package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir(), "cluster")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppsBucket(t *testing.T) {
	s := newTestStore(t)

	spec := &types.AppSpec{Name: "app-a", Components: []types.ComponentSpec{{Name: "c1"}}}
	require.NoError(t, s.PutApp(spec))

	got, err := s.GetApp("app-a")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Components[0].Name)

	apps, err := s.ListApps()
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	require.NoError(t, s.DeleteApp("app-a"))
	_, err = s.GetApp("app-a")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestTaskLogBucket(t *testing.T) {
	s := newTestStore(t)

	entry := &types.TaskLogEntry{
		PlanUID:       "p-1",
		AppName:       "app-a",
		Origin:        types.OriginClusterPolicy,
		PerTierStatus: map[types.Tier]types.PlanStatus{types.TierCluster: types.PlanScheduled},
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.PutTask(entry))

	entry.PerTierStatus[types.TierCluster] = types.PlanCompleted
	require.NoError(t, s.PutTask(entry))

	got, err := s.GetTask("p-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, got.PerTierStatus[types.TierCluster])

	tasks, err := s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	require.NoError(t, s.DeleteTask("p-1"))
	_, err = s.GetTask("p-1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestProxyBucketSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir, "cluster")
	require.NoError(t, err)
	require.NoError(t, s.PutProxy(&types.ProxyEntry{PlanUID: "p-9", AppName: "app-a", Node: "n5", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir, "cluster")
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetProxy("p-9")
	require.NoError(t, err)
	assert.Equal(t, "n5", got.Node)

	proxies, err := s.ListProxies()
	require.NoError(t, err)
	assert.Len(t, proxies, 1)

	require.NoError(t, s.DeleteProxy("p-9"))
	proxies, err = s.ListProxies()
	require.NoError(t, err)
	assert.Empty(t, proxies)
}
