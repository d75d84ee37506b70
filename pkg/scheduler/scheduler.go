package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/mechanism"
	"github.com/mlsysops/continuum/pkg/registry"
	"github.com/mlsysops/continuum/pkg/tasklog"
	"github.com/mlsysops/continuum/pkg/types"
)

// Applier executes plans and app removals
type Applier interface {
	Apply(ctx context.Context, plan *types.Plan) (*types.PlanResult, error)
	Remove(ctx context.Context, app string) (types.PlanDict, error)
}

// Notifier delivers messages to node agents
type Notifier interface {
	SendToNode(ctx context.Context, node string, event events.EventType, payload any) error
}

// ResultFunc observes every terminal plan result
type ResultFunc func(ctx context.Context, plan *types.Plan, result *types.PlanResult)

// Scheduler feeds plans to the mechanism. Plans and removals of one app run
// one at a time in submission order; different apps run concurrently.
type Scheduler struct {
	mech     Applier
	reg      *registry.Registry
	tasks    *tasklog.Log
	proxies  *mechanism.ProxyTable
	notifier Notifier
	onResult ResultFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config wires a scheduler. Proxies and OnResult are optional.
type Config struct {
	Mechanism Applier
	Registry  *registry.Registry
	Tasks     *tasklog.Log
	Proxies   *mechanism.ProxyTable
	Notifier  Notifier
	OnResult  ResultFunc
}

type job struct {
	plan   *types.Plan
	remove string
	done   chan error
}

type worker struct {
	app  string
	jobs chan job
}

// DefaultBacklog is how many plans may wait behind the one running for an app
const DefaultBacklog = 16

// New creates a scheduler
func New(cfg Config) *Scheduler {
	proxies := cfg.Proxies
	if proxies == nil {
		proxies = mechanism.NewProxyTable(mechanism.DefaultProxyTTL, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		mech:     cfg.Mechanism,
		reg:      cfg.Registry,
		tasks:    cfg.Tasks,
		proxies:  proxies,
		notifier: cfg.Notifier,
		onResult: cfg.OnResult,
		logger:   log.WithComponent("scheduler"),
		workers:  make(map[string]*worker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Stop cancels in-flight plans and waits for the workers to exit
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit queues plan behind the app's pending work without blocking. Plans
// whose cluster status is already terminal are replays and are dropped; a
// plan that finds the app's backlog full fails with BacklogFull.
func (s *Scheduler) Submit(ctx context.Context, plan *types.Plan) error {
	if status, ok := s.tasks.Status(plan.UID, types.TierCluster); ok && status.Terminal() {
		s.logger.Debug().Str("plan_uid", plan.UID).Msg("Plan already executed, replay dropped")
		return nil
	}

	raw, _ := json.Marshal(plan)
	s.tasks.Record(&types.TaskLogEntry{
		PlanUID:       plan.UID,
		AppName:       plan.AppName,
		Origin:        plan.Origin,
		OriginNode:    plan.OriginNode,
		Plan:          raw,
		PerTierStatus: map[types.Tier]types.PlanStatus{types.TierCluster: types.PlanScheduled},
	})
	if plan.Origin == types.OriginNodeProxy && plan.OriginNode != "" {
		s.proxies.Record(plan.UID, plan.AppName, plan.OriginNode)
	}

	w := s.worker(plan.AppName)
	if w == nil {
		return context.Canceled
	}
	select {
	case w.jobs <- job{plan: plan}:
		return nil
	default:
	}

	err := errdefs.Wrap(errdefs.ErrBacklogFull, "%d plans already waiting for app %s", cap(w.jobs), plan.AppName)
	s.logger.Warn().Err(err).Str("plan_uid", plan.UID).Msg("Plan rejected")
	s.finish(ctx, plan, &types.PlanResult{
		PlanUID: plan.UID,
		AppName: plan.AppName,
		Status:  types.PlanFailed,
		Reason:  errdefs.Kind(err),
		Error:   err.Error(),
	})
	return err
}

// RemoveApp queues the teardown of app after any plan in flight for it and
// waits for it to finish
func (s *Scheduler) RemoveApp(ctx context.Context, app string) error {
	done := make(chan error, 1)
	if err := s.enqueue(ctx, app, job{remove: app, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Proxies returns the proxy plan table
func (s *Scheduler) Proxies() *mechanism.ProxyTable {
	return s.proxies
}

func (s *Scheduler) enqueue(ctx context.Context, app string, j job) error {
	w := s.worker(app)
	if w == nil {
		return context.Canceled
	}
	select {
	case w.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Scheduler) worker(app string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}
	w, ok := s.workers[app]
	if !ok {
		w = &worker{app: app, jobs: make(chan job, DefaultBacklog)}
		s.workers[app] = w
		s.wg.Add(1)
		go s.run(w)
	}
	return w
}

func (s *Scheduler) run(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			if j.plan != nil {
				s.execute(j.plan)
			} else {
				j.done <- s.remove(j.remove)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) execute(plan *types.Plan) {
	ctx := s.ctx
	logger := log.WithPlan(plan.AppName, plan.UID)

	result, err := s.mech.Apply(ctx, plan)
	switch {
	case err == nil:
		logger.Info().Msg("Plan executed")
	case errors.Is(err, errdefs.ErrNoEffectiveChange):
		logger.Info().Err(err).Msg("Plan has no effect")
	default:
		logger.Warn().Err(err).Str("reason", result.Reason).Msg("Plan failed")
	}
	s.finish(ctx, plan, result)
}

// finish records the result of plan and reports it to whoever waits for it
func (s *Scheduler) finish(ctx context.Context, plan *types.Plan, result *types.PlanResult) {
	logger := log.WithPlan(plan.AppName, plan.UID)
	s.tasks.UpdatePlanStatus(plan.UID, types.TierCluster, result.Status)
	if result.Reason != "" {
		s.tasks.SetReason(plan.UID, result.Reason)
	}
	if result.Status == types.PlanFailed && s.reg != nil {
		// Completed plans are recorded by the mechanism's commit
		s.reg.SetPlanStatus(plan.AppName, plan.UID, result.Status)
	}

	if node, ok := s.proxies.Take(plan.UID); ok {
		// Proxy plans answer their origin only
		if err := s.notifier.SendToNode(ctx, node, events.FluidityInternalPlanUpdate, result); err != nil {
			logger.Warn().Err(err).Str("node", node).Msg("Failed to answer proxy plan")
		}
	} else if result.Status == types.PlanCompleted {
		s.forward(ctx, plan, result.PlanDict)
	}

	if s.onResult != nil {
		s.onResult(ctx, plan, result)
	}
}

func (s *Scheduler) remove(app string) error {
	ctx := s.ctx
	dict, err := s.mech.Remove(ctx, app)
	if errors.Is(err, errdefs.ErrNotFound) {
		s.logger.Debug().Str("app", app).Msg("App already gone")
		return nil
	}
	s.forward(ctx, &types.Plan{AppName: app}, dict)
	return err
}

// forward tells each owning node about the pods a plan touched, in node,
// component and pod name order
func (s *Scheduler) forward(ctx context.Context, plan *types.Plan, dict types.PlanDict) {
	byNode := dict.ByNode()
	nodes := make([]string, 0, len(byNode))
	for n := range byNode {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		for _, comp := range sortedKeys(byNode[node]) {
			pods := byNode[node][comp]
			names := make([]string, 0, len(pods))
			for p := range pods {
				names = append(names, p)
			}
			sort.Strings(names)

			for _, pod := range names {
				change := pods[pod]
				payload := &types.ComponentEvent{
					PlanUID:   plan.UID,
					AppName:   plan.AppName,
					Component: comp,
					PodName:   pod,
					NodeName:  node,
					CompSpec:  change.CompSpec,
					PodSpec:   change.PodSpec,
					Replaces:  change.Replaces,
				}
				if err := s.notifier.SendToNode(ctx, node, EventFor(change.Event), payload); err != nil {
					s.logger.Warn().Err(err).Str("node", node).Str("pod", pod).Msg("Failed to notify node, it resyncs on reattach")
				}
			}
		}
	}
	if plan.UID != "" && len(nodes) > 0 {
		s.tasks.Expect(plan.UID, types.TierNode)
	}
}

// EventFor maps a PlanDict event to the message sent to the owning node
func EventFor(e types.PodEvent) events.EventType {
	switch e {
	case types.PodEventModified:
		return events.ComponentUpdated
	case types.PodEventComponentRemoved:
		return events.ComponentRemoved
	default:
		return events.ComponentPlaced
	}
}

func sortedKeys(d types.PlanDict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
