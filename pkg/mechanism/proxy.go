package mechanism

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/storage"
	"github.com/mlsysops/continuum/pkg/types"
)

// DefaultProxyTTL bounds how long the origin of a proxy plan is remembered
const DefaultProxyTTL = 10 * time.Minute

// ProxyTable remembers which node submitted each proxy plan, so the result
// goes back to that node only. Entries outlive a node disconnect until the
// TTL expires.
type ProxyTable struct {
	ttl     time.Duration
	store   storage.Store
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*types.ProxyEntry
}

// NewProxyTable creates a table and loads persisted entries from store,
// which may be nil
func NewProxyTable(ttl time.Duration, store storage.Store) *ProxyTable {
	if ttl <= 0 {
		ttl = DefaultProxyTTL
	}
	t := &ProxyTable{
		ttl:     ttl,
		store:   store,
		logger:  log.WithComponent("proxy-plans"),
		now:     time.Now,
		entries: make(map[string]*types.ProxyEntry),
	}
	if store != nil {
		saved, err := store.ListProxies()
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to load proxy plans")
		}
		for _, e := range saved {
			t.entries[e.PlanUID] = e
		}
	}
	metrics.ProxyPlansPending.Set(float64(len(t.entries)))
	return t
}

// Record stores node as the origin of planUID
func (t *ProxyTable) Record(planUID, app, node string) {
	e := &types.ProxyEntry{PlanUID: planUID, AppName: app, Node: node, CreatedAt: t.now()}

	t.mu.Lock()
	t.entries[planUID] = e
	n := len(t.entries)
	t.mu.Unlock()

	metrics.ProxyPlansPending.Set(float64(n))
	if t.store != nil {
		if err := t.store.PutProxy(e); err != nil {
			t.logger.Warn().Err(err).Str("plan_uid", planUID).Msg("Failed to persist proxy plan")
		}
	}
}

// Origin returns the node that submitted planUID
func (t *ProxyTable) Origin(planUID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[planUID]
	if !ok {
		return "", false
	}
	return e.Node, true
}

// Take returns the origin of planUID and forgets it
func (t *ProxyTable) Take(planUID string) (string, bool) {
	t.mu.Lock()
	e, ok := t.entries[planUID]
	if ok {
		delete(t.entries, planUID)
	}
	n := len(t.entries)
	t.mu.Unlock()
	if !ok {
		return "", false
	}

	metrics.ProxyPlansPending.Set(float64(n))
	t.forget(planUID)
	return e.Node, true
}

// Sweep drops entries older than the TTL and returns how many it dropped
func (t *ProxyTable) Sweep() int {
	cutoff := t.now().Add(-t.ttl)

	t.mu.Lock()
	var expired []*types.ProxyEntry
	for uid, e := range t.entries {
		if e.CreatedAt.Before(cutoff) {
			expired = append(expired, e)
			delete(t.entries, uid)
		}
	}
	n := len(t.entries)
	t.mu.Unlock()

	for _, e := range expired {
		t.logger.Info().
			Str("plan_uid", e.PlanUID).
			Str("app", e.AppName).
			Str("node", e.Node).
			Msg("Proxy plan expired without result, dropped")
		t.forget(e.PlanUID)
	}
	metrics.ProxyPlansPending.Set(float64(n))
	return len(expired)
}

// Len returns the number of pending proxy plans
func (t *ProxyTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *ProxyTable) forget(planUID string) {
	if t.store == nil {
		return
	}
	if err := t.store.DeleteProxy(planUID); err != nil {
		t.logger.Warn().Err(err).Str("plan_uid", planUID).Msg("Failed to delete proxy plan")
	}
}
