package mechanism

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/storage"
)

func TestProxyTableExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	table := NewProxyTable(10*time.Minute, nil)
	table.now = func() time.Time { return now }

	table.Record("p-1", "app-a", "n5")
	now = now.Add(5 * time.Minute)
	table.Record("p-2", "app-a", "n6")

	node, ok := table.Origin("p-1")
	require.True(t, ok)
	assert.Equal(t, "n5", node)

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, table.Sweep())
	_, ok = table.Origin("p-1")
	assert.False(t, ok)

	node, ok = table.Take("p-2")
	require.True(t, ok)
	assert.Equal(t, "n6", node)
	_, ok = table.Take("p-2")
	assert.False(t, ok, "a plan is answered once")
	assert.Zero(t, table.Len())
}

func TestProxyTablePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir, "cluster")
	require.NoError(t, err)

	table := NewProxyTable(0, store)
	table.Record("p-1", "app-a", "n5")
	table.Record("p-2", "app-a", "n5")
	_, ok := table.Take("p-2")
	require.True(t, ok)
	require.NoError(t, store.Close())

	store, err = storage.NewBoltStore(dir, "cluster")
	require.NoError(t, err)
	defer store.Close()

	reloaded := NewProxyTable(0, store)
	assert.Equal(t, 1, reloaded.Len())
	node, ok := reloaded.Origin("p-1")
	require.True(t, ok)
	assert.Equal(t, "n5", node)
}
