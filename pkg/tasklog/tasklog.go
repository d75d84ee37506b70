// Package tasklog records every plan an agent has seen together with the
// status each tier reported for it.
//
// Status only moves forward: pending, scheduled, then completed or failed.
// Once a tier reports a terminal status for a plan, later reports for that
// tier are ignored, which makes replayed PLAN_EXECUTED messages harmless.
package tasklog

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/storage"
	"github.com/mlsysops/continuum/pkg/types"
)

var rank = map[types.PlanStatus]int{
	types.PlanPending:   0,
	types.PlanScheduled: 1,
	types.PlanCompleted: 2,
	types.PlanFailed:    2,
}

// Log is the task log of one agent
type Log struct {
	mu      sync.RWMutex
	entries map[string]*types.TaskLogEntry
	store   storage.Store
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a task log backed by store. A nil store keeps the log in memory.
func New(store storage.Store) (*Log, error) {
	l := &Log{
		entries: make(map[string]*types.TaskLogEntry),
		store:   store,
		logger:  log.WithComponent("tasklog"),
		now:     time.Now,
	}
	if store == nil {
		return l, nil
	}

	entries, err := store.ListTasks()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.PerTierStatus == nil {
			e.PerTierStatus = make(map[types.Tier]types.PlanStatus)
		}
		l.entries[e.PlanUID] = e
	}
	return l, nil
}

// Record adds entry. Recording a planUID that is already known merges the
// tier statuses without regressing any of them.
func (l *Log) Record(entry *types.TaskLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.entries[entry.PlanUID]; ok {
		for tier, status := range entry.PerTierStatus {
			advance(cur, tier, status)
		}
		cur.UpdatedAt = now
		l.persist(cur)
		return
	}

	e := copyEntry(entry)
	if e.PerTierStatus == nil {
		e.PerTierStatus = make(map[types.Tier]types.PlanStatus)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	l.entries[e.PlanUID] = e
	l.persist(e)
}

// Expect marks tiers that must report before the plan is terminal. Tiers
// that already reported are left alone. It returns false for unknown plans.
func (l *Log) Expect(planUID string, tiers ...types.Tier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[planUID]
	if !ok {
		return false
	}
	for _, tier := range tiers {
		if _, ok := e.PerTierStatus[tier]; !ok {
			e.PerTierStatus[tier] = types.PlanPending
		}
	}
	l.persist(e)
	return true
}

// UpdatePlanStatus sets the status reported by tier and reports whether the
// entry changed. It returns false for an unknown plan and for a status that
// does not move the tier forward; the caller then drops the message.
func (l *Log) UpdatePlanStatus(planUID string, tier types.Tier, status types.PlanStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[planUID]
	if !ok || !advance(e, tier, status) {
		return false
	}
	e.UpdatedAt = l.now()
	l.persist(e)
	return true
}

// SetReason records a failure reason on the entry
func (l *Log) SetReason(planUID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[planUID]; ok && e.Reason == "" {
		e.Reason = reason
		l.persist(e)
	}
}

// Get returns a copy of the entry
func (l *Log) Get(planUID string) (*types.TaskLogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[planUID]
	if !ok {
		return nil, false
	}
	return copyEntry(e), true
}

// Status returns the status tier reported for the plan
func (l *Log) Status(planUID string, tier types.Tier) (types.PlanStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[planUID]
	if !ok {
		return "", false
	}
	s, ok := e.PerTierStatus[tier]
	return s, ok
}

// Terminal reports whether every expected tier reported a terminal status
func (l *Log) Terminal(planUID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[planUID]
	return ok && e.Terminal()
}

// ForApp returns copies of the entries of one app, oldest first
func (l *Log) ForApp(app string) []*types.TaskLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*types.TaskLogEntry
	for _, e := range l.entries {
		if e.AppName == app {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Prune drops terminal entries not updated within olderThan and returns how
// many were removed
func (l *Log) Prune(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	removed := 0
	for uid, e := range l.entries {
		if !e.Terminal() || e.UpdatedAt.After(cutoff) {
			continue
		}
		delete(l.entries, uid)
		if l.store != nil {
			if err := l.store.DeleteTask(uid); err != nil {
				l.logger.Warn().Err(err).Str("plan_uid", uid).Msg("Failed to delete task log entry")
			}
		}
		removed++
	}
	return removed
}

// advance moves tier forward to status and reports whether anything changed
func advance(e *types.TaskLogEntry, tier types.Tier, status types.PlanStatus) bool {
	cur, ok := e.PerTierStatus[tier]
	if ok && (cur.Terminal() || rank[status] <= rank[cur]) {
		return false
	}
	e.PerTierStatus[tier] = status
	return true
}

func (l *Log) persist(e *types.TaskLogEntry) {
	if l.store == nil {
		return
	}
	if err := l.store.PutTask(e); err != nil {
		l.logger.Error().Err(err).Str("plan_uid", e.PlanUID).Msg("Failed to persist task log entry")
	}
}

func copyEntry(e *types.TaskLogEntry) *types.TaskLogEntry {
	out := *e
	out.PerTierStatus = make(map[types.Tier]types.PlanStatus, len(e.PerTierStatus))
	for k, v := range e.PerTierStatus {
		out.PerTierStatus[k] = v
	}
	if e.Plan != nil {
		out.Plan = append([]byte(nil), e.Plan...)
	}
	return &out
}
