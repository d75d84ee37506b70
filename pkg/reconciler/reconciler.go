package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/mechanism"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/types"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultMinPodAge     = time.Minute
	DefaultTaskRetention = 24 * time.Hour
)

// Apps is the pod index the reconciler checks pods against
type Apps interface {
	Has(name string) bool
	KnowsPod(app, podName string) bool
}

// Tasks is the task log
type Tasks interface {
	Status(planUID string, tier types.Tier) (types.PlanStatus, bool)
	Prune(olderThan time.Duration) int
}

// Sweeper expires stale proxy plan entries
type Sweeper interface {
	Sweep() int
}

// Config holds reconciler settings
type Config struct {
	Namespace     string
	Interval      time.Duration
	MinPodAge     time.Duration
	TaskRetention time.Duration
	// WaitForApps holds pod reconciliation until AppsSynced is called
	WaitForApps bool
}

// Report summarises one cycle
type Report struct {
	PodsDeleted    int
	ProxiesExpired int
	TasksPruned    int
}

// Reconciler removes pods the registry no longer accounts for and expires
// bookkeeping that outlived its plan
type Reconciler struct {
	cfg     Config
	kube    kube.Client
	apps    Apps
	tasks   Tasks
	proxies Sweeper
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	synced  atomic.Bool
}

// NewReconciler creates a new reconciler. proxies may be nil on tiers that
// never record proxy plans.
func NewReconciler(cfg Config, kc kube.Client, apps Apps, tasks Tasks, proxies Sweeper) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinPodAge <= 0 {
		cfg.MinPodAge = DefaultMinPodAge
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = DefaultTaskRetention
	}
	r := &Reconciler{
		cfg:     cfg,
		kube:    kc,
		apps:    apps,
		tasks:   tasks,
		proxies: proxies,
		logger:  log.WithComponent("reconciler"),
		now:     time.Now,
	}
	r.synced.Store(!cfg.WaitForApps)
	return r
}

// AppsSynced tells the reconciler the app index reflects the apps that
// exist, so pods of unknown apps are really orphans
func (r *Reconciler) AppsSynced() {
	if !r.synced.Swap(true) {
		r.logger.Info().Msg("App index synced, reconciling pods")
	}
}

// Run reconciles every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Reconcile performs one reconciliation cycle
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	deleted, err := r.reconcilePods(ctx)
	report.PodsDeleted = deleted
	if r.proxies != nil {
		report.ProxiesExpired = r.proxies.Sweep()
	}
	if r.tasks != nil {
		report.TasksPruned = r.tasks.Prune(r.cfg.TaskRetention)
	}

	if report.PodsDeleted > 0 || report.ProxiesExpired > 0 || report.TasksPruned > 0 {
		r.logger.Info().
			Int("pods_deleted", report.PodsDeleted).
			Int("proxies_expired", report.ProxiesExpired).
			Int("tasks_pruned", report.TasksPruned).
			Msg("Reconciliation cycle")
	}
	return report, err
}

// reconcilePods deletes app pods whose app is gone or whose name is not in
// the app's pod index. Collector pods and pods of plans still in flight are
// left alone, and nothing is deleted before the app index is synced.
func (r *Reconciler) reconcilePods(ctx context.Context) (int, error) {
	if !r.synced.Load() {
		r.logger.Debug().Msg("App index not synced yet, skipping pods")
		return 0, nil
	}
	pods, err := r.kube.FindPods(ctx, r.cfg.Namespace, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list pods: %w", err)
	}

	now := r.now()
	deleted := 0
	for i := range pods {
		pod := &pods[i]
		app := pod.Labels[types.LabelApp]
		if app == "" || pod.Labels[mechanism.LabelCollector] != "" || pod.DeletionTimestamp != nil {
			continue
		}
		if now.Sub(pod.CreationTimestamp.Time) < r.cfg.MinPodAge {
			continue
		}
		if r.inFlight(pod.Labels[types.LabelPlanUID]) {
			continue
		}

		var reason string
		switch {
		case !r.apps.Has(app):
			reason = "unknown_app"
		case !r.apps.KnowsPod(app, pod.Name):
			reason = "not_indexed"
		default:
			continue
		}

		if err := r.kube.DeletePod(ctx, r.cfg.Namespace, pod.Name); err != nil {
			r.logger.Warn().Err(err).Str("pod", pod.Name).Str("app", app).Msg("Failed to delete orphan pod")
			continue
		}
		metrics.OrphanPodsDeleted.WithLabelValues(reason).Inc()
		metrics.PodsDeleted.Inc()
		r.logger.Info().Str("pod", pod.Name).Str("app", app).Str("reason", reason).Msg("Deleted orphan pod")
		deleted++
	}
	return deleted, nil
}

// inFlight reports whether the plan that created a pod has not finished at
// the cluster tier yet; its pods are committed to the index only afterwards
func (r *Reconciler) inFlight(planUID string) bool {
	if planUID == "" || r.tasks == nil {
		return false
	}
	status, ok := r.tasks.Status(planUID, types.TierCluster)
	return ok && !status.Terminal()
}
