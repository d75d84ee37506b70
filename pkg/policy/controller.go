package policy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/tasklog"
	"github.com/mlsysops/continuum/pkg/telemetry"
	"github.com/mlsysops/continuum/pkg/types"
)

// DefaultPeriod is the analyze period of a policy without its own
const DefaultPeriod = 1250 * time.Millisecond

// Submitter accepts plans minted by the controller
type Submitter interface {
	Submit(ctx context.Context, plan *types.Plan) error
}

// AppSource provides read-only views of apps and nodes
type AppSource interface {
	Snapshot(name string) (*types.AppRuntime, bool)
	Nodes() []types.NodeRecord
}

// TelemetrySource provides per-app telemetry
type TelemetrySource interface {
	Snapshot(app string) (*telemetry.Snapshot, error)
}

// Config describes the tier a controller runs in
type Config struct {
	Tier       types.Tier
	Origin     types.PlanOrigin
	OriginNode string
	Period     time.Duration
}

// Controller runs the policies of every app it was started for. All calls
// into the policies of one app happen on that app's goroutine.
type Controller struct {
	cfg       Config
	catalog   *Catalog
	apps      AppSource
	telemetry TelemetrySource
	submitter Submitter
	tasks     *tasklog.Log
	logger    zerolog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	wg      sync.WaitGroup
}

type instance struct {
	desc   Descriptor
	policy Policy
	state  State
	period time.Duration
	next   time.Time
}

type runner struct {
	app       string
	cancel    context.CancelFunc
	done      chan struct{}
	calls     chan func(context.Context)
	instances []*instance
	logger    zerolog.Logger
}

// NewController creates a policy controller. telemetry may be nil.
func NewController(cfg Config, catalog *Catalog, apps AppSource, tel TelemetrySource, submitter Submitter, tasks *tasklog.Log) *Controller {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Origin == "" {
		cfg.Origin = types.OriginClusterPolicy
	}
	return &Controller{
		cfg:       cfg,
		catalog:   catalog,
		apps:      apps,
		telemetry: tel,
		submitter: submitter,
		tasks:     tasks,
		logger:    log.WithComponent("policy"),
		runners:   make(map[string]*runner),
	}
}

// StartApp starts the policies of app. With initial set, the first policy
// that returns a non-empty initial plan places the app. Starting an app
// that is already running is a no-op.
func (c *Controller) StartApp(ctx context.Context, app string, initial bool) error {
	rt, ok := c.apps.Snapshot(app)
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "app %s", app)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.runners[app]; running {
		return nil
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &runner{
		app:       app,
		cancel:    cancel,
		done:      make(chan struct{}),
		calls:     make(chan func(context.Context), 8),
		instances: c.instances(&rt.Spec, nil),
		logger:    log.WithApp(app),
	}
	c.runners[app] = r
	c.wg.Add(1)
	go c.run(rctx, r, initial)

	r.logger.Info().Int("policies", len(r.instances)).Msg("Policies started")
	return nil
}

// StopApp cancels the policies of app, including a cycle in progress, and
// waits for them to return
func (c *Controller) StopApp(app string) {
	c.mu.Lock()
	r, ok := c.runners[app]
	delete(c.runners, app)
	c.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info().Msg("Policies stopped")
}

// Running reports whether policies run for app
func (c *Controller) Running(app string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runners[app]
	return ok
}

// Stop cancels every app
func (c *Controller) Stop() {
	c.mu.Lock()
	for _, r := range c.runners {
		r.cancel()
	}
	c.runners = make(map[string]*runner)
	c.mu.Unlock()
	c.wg.Wait()
}

// SpecChanged lets the policies of app react to an accepted description
// change. It runs on the app's goroutine.
func (c *Controller) SpecChanged(app string, oldSpec, newSpec *types.AppSpec) {
	c.call(app, func(ctx context.Context) {
		r := c.runner(app)
		if r == nil {
			return
		}
		rt, ok := c.apps.Snapshot(app)
		if !ok {
			return
		}
		for _, inst := range r.instances {
			plan, err := inst.policy.ReplanFromSpec(oldSpec, newSpec, inst.state, rt.CurrPlan)
			if err != nil {
				r.logger.Warn().Err(err).Str("policy", inst.desc.Name).Msg("Replan from spec failed")
				continue
			}
			if len(plan) > 0 {
				c.submit(ctx, r, inst, plan, false)
			}
		}
	})
}

// Reload rebuilds the policy instances of every running app from the
// catalog. Instances that survive keep their state.
func (c *Controller) Reload() {
	c.mu.Lock()
	apps := make([]string, 0, len(c.runners))
	for app := range c.runners {
		apps = append(apps, app)
	}
	c.mu.Unlock()

	for _, app := range apps {
		c.call(app, func(context.Context) {
			r := c.runner(app)
			rt, ok := c.apps.Snapshot(app)
			if r == nil || !ok {
				return
			}
			r.instances = c.instances(&rt.Spec, r.instances)
			r.logger.Info().Int("policies", len(r.instances)).Msg("Policies reloaded")
		})
	}
}

func (c *Controller) runner(app string) *runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runners[app]
}

func (c *Controller) call(app string, fn func(context.Context)) {
	r := c.runner(app)
	if r == nil {
		return
	}
	select {
	case r.calls <- fn:
	case <-r.done:
	}
}

func (c *Controller) instances(spec *types.AppSpec, prev []*instance) []*instance {
	kept := make(map[string]*instance, len(prev))
	for _, inst := range prev {
		kept[inst.desc.Name] = inst
	}

	var out []*instance
	for _, d := range c.catalog.ForApp(spec) {
		if inst, ok := kept[d.Name]; ok && inst.desc.Policy == d.Policy {
			inst.desc = d
			inst.period = c.period(d)
			out = append(out, inst)
			continue
		}
		factory, err := Lookup(d.Policy)
		if err != nil {
			c.logger.Warn().Err(err).Str("policy", d.Name).Msg("Skipping policy")
			continue
		}
		p, err := factory(d.Params)
		if err != nil {
			c.logger.Warn().Err(err).Str("policy", d.Name).Msg("Failed to build policy")
			continue
		}
		out = append(out, &instance{desc: d, policy: p, state: State{}, period: c.period(d)})
	}
	return out
}

func (c *Controller) period(d Descriptor) time.Duration {
	if d.Period > 0 {
		return d.Period
	}
	return c.cfg.Period
}

func (c *Controller) run(ctx context.Context, r *runner, initial bool) {
	defer c.wg.Done()
	defer close(r.done)

	if initial {
		c.initialPlan(ctx, r)
	}

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.calls:
			fn(ctx)
		case now := <-ticker.C:
			c.analyze(ctx, r, now)
		}
	}
}

func (c *Controller) initialPlan(ctx context.Context, r *runner) {
	rt, ok := c.apps.Snapshot(r.app)
	if !ok {
		return
	}
	nodes := c.apps.Nodes()
	for _, inst := range r.instances {
		plan, err := inst.policy.InitialPlan(rt, nodes)
		if err != nil {
			r.logger.Warn().Err(err).Str("policy", inst.desc.Name).Msg("Initial plan failed")
			continue
		}
		if len(plan) == 0 {
			continue
		}
		c.submit(ctx, r, inst, plan, true)
		return
	}
	r.logger.Warn().Msg("No policy produced an initial plan")
}

func (c *Controller) analyze(ctx context.Context, r *runner, now time.Time) {
	for _, inst := range r.instances {
		if ctx.Err() != nil {
			return
		}
		if now.Before(inst.next) {
			continue
		}
		inst.next = now.Add(inst.period)

		rt, ok := c.apps.Snapshot(r.app)
		if !ok {
			return
		}
		in := Input{Self: c.cfg.OriginNode, App: rt, Nodes: c.apps.Nodes(), State: inst.state}
		if c.telemetry != nil {
			snap, err := c.telemetry.Snapshot(r.app)
			if err != nil {
				r.logger.Debug().Err(err).Msg("No telemetry for analyze cycle")
			}
			in.Telemetry = snap
		}

		timer := metrics.NewTimer()
		replan, state, err := inst.policy.Analyze(ctx, in)
		timer.ObserveDurationVec(metrics.PolicyAnalyzeDuration, inst.desc.Name)
		if err != nil {
			r.logger.Warn().Err(err).Str("policy", inst.desc.Name).Msg("Analyze failed")
			continue
		}
		if state != nil {
			inst.state = state
		}
		if !replan {
			continue
		}

		in.State = inst.state
		plan, err := inst.policy.Plan(ctx, in)
		if err != nil {
			r.logger.Warn().Err(err).Str("policy", inst.desc.Name).Msg("Plan failed")
			continue
		}
		if len(plan) > 0 {
			c.submit(ctx, r, inst, plan, false)
		}
	}
}

func (c *Controller) submit(ctx context.Context, r *runner, inst *instance, actions types.DeploymentPlan, initial bool) {
	plan := &types.Plan{
		UID:        uuid.NewString(),
		AppName:    r.app,
		Origin:     c.cfg.Origin,
		OriginNode: c.cfg.OriginNode,
		Initial:    initial,
		Actions:    actions,
		Policy:     inst.desc.Name,
	}
	logger := log.WithPlan(r.app, plan.UID).With().Str("policy", inst.desc.Name).Logger()
	if err := plan.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Policy proposed an invalid plan, dropped")
		return
	}

	raw, _ := json.Marshal(plan)
	c.tasks.Record(&types.TaskLogEntry{
		PlanUID:       plan.UID,
		AppName:       r.app,
		Origin:        plan.Origin,
		OriginNode:    plan.OriginNode,
		Plan:          raw,
		PerTierStatus: map[types.Tier]types.PlanStatus{c.cfg.Tier: types.PlanPending},
	})
	metrics.PolicyReplans.WithLabelValues(r.app, inst.desc.Name).Inc()

	if err := c.submitter.Submit(ctx, plan); err != nil {
		logger.Warn().Err(err).Msg("Failed to submit plan")
		c.tasks.UpdatePlanStatus(plan.UID, c.cfg.Tier, types.PlanFailed)
		return
	}
	logger.Info().Bool("initial", initial).Int("components", len(actions)).Msg("Plan submitted")
}
