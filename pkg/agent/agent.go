package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mlsysops/continuum/pkg/api"
	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/health"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/types"
)

// DefaultStopGrace is how long Stop waits for subsystems to return
const DefaultStopGrace = 10 * time.Second

// Handler processes one inbound message. An error fails only that message.
type Handler func(ctx context.Context, msg *events.Message) error

// MessageSource delivers messages from other agents
type MessageSource interface {
	Inbound() <-chan *events.Message
}

// Mechanism applies the messages addressed to a tier's mechanism
type Mechanism interface {
	HandleMessage(ctx context.Context, msg *events.Message) error
}

// PolicyRunner runs the policies of the apps a tier manages
type PolicyRunner interface {
	StartApp(ctx context.Context, app string, initial bool) error
	StopApp(app string)
	Stop()
}

// ResourceWatcher tails one kind of resource until ctx is done
type ResourceWatcher interface {
	Run(ctx context.Context) error
}

// Agent is the runtime shared by the three tiers: it pumps messages between
// the transport and its queues, dispatches inbound messages to the tier's
// handlers one at a time, and runs the tier's watchers and background tasks.
type Agent struct {
	actx   *AgentContext
	logger zerolog.Logger
	grace  time.Duration

	handlers map[events.EventType]Handler
	watchers []ResourceWatcher
	services []namedService
	onStart  []func(ctx context.Context) error
	onStop   []func()
	checks   []api.Check

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	gctx    context.Context
	done    chan struct{}
	err     error
}

type namedService struct {
	name string
	run  func(ctx context.Context) error
}

func newAgent(actx *AgentContext) *Agent {
	a := &Agent{
		actx:     actx,
		logger:   actx.Logger,
		grace:    DefaultStopGrace,
		handlers: make(map[events.EventType]Handler),
		done:     make(chan struct{}),
	}
	if addr := actx.Config.ParentAddress; addr != "" {
		probe := health.NewProbe(health.NewParentChecker(actx.Config.Parent, addr), health.DefaultConfig())
		a.checks = append(a.checks, api.Check{Name: "parent", Fn: probe.Check})
	}
	return a
}

// Context returns the shared state of the agent
func (a *Agent) Context() *AgentContext {
	return a.actx
}

// Handle routes events to h, replacing any previous handler
func (a *Agent) Handle(h Handler, evs ...events.EventType) {
	for _, ev := range evs {
		a.handlers[ev] = h
	}
}

func (a *Agent) watch(w ResourceWatcher) {
	a.watchers = append(a.watchers, w)
}

func (a *Agent) service(name string, run func(ctx context.Context) error) {
	a.services = append(a.services, namedService{name: name, run: run})
}

func (a *Agent) onBoot(f func(ctx context.Context) error) {
	a.onStart = append(a.onStart, f)
}

func (a *Agent) onShutdown(f func()) {
	a.onStop = append(a.onStop, f)
}

// Start runs the boot hooks, then every subsystem in the background.
// Calling Start on a running agent is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.stopped {
		return errors.New("agent already stopped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, boot := range a.onStart {
		if err := boot(runCtx); err != nil {
			cancel()
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	a.started = true
	a.cancel = cancel
	a.group = g
	a.gctx = gctx
	a.actx.Broker.Start()
	metrics.SetVersion(a.actx.Version)

	if a.actx.Transport != nil {
		metrics.UpdateComponent(metrics.ComponentTransport, true, "")
		a.goRun("receive", a.receive)
		a.goRun("send", a.send)
	}
	a.goRun("dispatch", a.dispatch)
	for _, w := range a.watchers {
		a.goRun("watcher", w.Run)
	}
	for _, s := range a.services {
		a.goRun(s.name, s.run)
	}
	if addr := a.actx.Config.HealthAddress; addr != "" {
		hs := api.NewHealthServer(a.actx.Version, a.checks...)
		a.goRun("health", func(ctx context.Context) error { return hs.Serve(ctx, addr) })
	}

	go func() {
		err := g.Wait()
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.done)
	}()

	a.logger.Info().Int("handlers", len(a.handlers)).Int("watchers", len(a.watchers)).Msg("Agent started")
	return nil
}

// goRun starts f in the agent's group. Returning because the agent is
// shutting down is not an error.
func (a *Agent) goRun(name string, f func(ctx context.Context) error) {
	ctx := a.gctx
	a.group.Go(func() error {
		err := f(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		a.logger.Error().Err(err).Str("subsystem", name).Msg("Subsystem failed")
		return err
	})
}

// Go runs f in the background for the lifetime of the agent. Handlers use
// it for work that must not hold up the dispatch loop.
func (a *Agent) Go(name string, f func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group == nil || a.gctx.Err() != nil {
		return
	}
	a.goRun(name, func(ctx context.Context) error {
		if err := f(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Str("task", name).Msg("Background task failed")
		}
		return nil
	})
}

// Stop cancels every subsystem, waits up to the grace window for them to
// return, then runs the shutdown hooks and closes the transport and store
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.stopped = true
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Info().Msg("Stopping agent")
	cancel()
	select {
	case <-a.done:
	case <-time.After(a.grace):
		a.logger.Warn().Dur("grace", a.grace).Msg("Subsystems did not stop in time")
	}

	for i := len(a.onStop) - 1; i >= 0; i-- {
		a.onStop[i]()
	}
	a.actx.Broker.Stop()

	var errs []error
	if a.actx.Transport != nil {
		if err := a.actx.Transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.actx.Store != nil {
		if err := a.actx.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info().Msg("Agent stopped")
	return errors.Join(errs...)
}

// Wait blocks until every subsystem returned and reports the first failure
func (a *Agent) Wait() error {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed once every subsystem returned
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Send queues event for the agent called to
func (a *Agent) Send(ctx context.Context, to string, event events.EventType, payload any) error {
	msg, err := events.NewMessage(event, payload)
	if err != nil {
		return err
	}
	msg.To = to
	msg.Origin = events.OriginInternal
	return a.actx.Outbound.Put(ctx, msg)
}

// SendToNode queues a message for a node agent
func (a *Agent) SendToNode(ctx context.Context, node string, event events.EventType, payload any) error {
	return a.Send(ctx, node, event, payload)
}

// SendToCluster queues a message for a cluster agent
func (a *Agent) SendToCluster(ctx context.Context, cluster string, event events.EventType, payload any) error {
	return a.Send(ctx, cluster, event, payload)
}

// UpdatePlanStatus records status for tier in the task log and reports
// whether it changed anything. Only the cluster tier decides the status kept
// on the app's runtime.
func (a *Agent) UpdatePlanStatus(planUID string, tier types.Tier, status types.PlanStatus) bool {
	if !a.actx.Tasks.UpdatePlanStatus(planUID, tier, status) {
		return false
	}
	if tier == types.TierCluster && a.actx.Registry != nil {
		if e, ok := a.actx.Tasks.Get(planUID); ok {
			a.actx.Registry.SetPlanStatus(e.AppName, planUID, status)
		}
	}
	return true
}

func (a *Agent) receive(ctx context.Context) error {
	in := a.actx.Transport.Inbound()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.actx.Inbound.Put(ctx, msg); err != nil {
				return err
			}
			metrics.QueueDepth.WithLabelValues(a.actx.Inbound.Name()).Set(float64(a.actx.Inbound.Len()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) send(ctx context.Context) error {
	for {
		msg, err := a.actx.Outbound.Get(ctx)
		if err != nil {
			return err
		}
		metrics.QueueDepth.WithLabelValues(a.actx.Outbound.Name()).Set(float64(a.actx.Outbound.Len()))
		if err := a.actx.Transport.Send(ctx, msg.To, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.MessagesDropped.WithLabelValues("send_failed").Inc()
			a.logger.Warn().Err(err).Str("to", msg.To).Str("event", string(msg.Event)).Msg("Failed to send message")
			continue
		}
		metrics.MessagesTotal.WithLabelValues("out", string(msg.Event)).Inc()
	}
}

func (a *Agent) dispatch(ctx context.Context) error {
	for {
		msg, err := a.actx.Inbound.Get(ctx)
		if err != nil {
			return err
		}
		metrics.QueueDepth.WithLabelValues(a.actx.Inbound.Name()).Set(float64(a.actx.Inbound.Len()))
		metrics.MessagesTotal.WithLabelValues("in", string(msg.Event)).Inc()

		h, ok := a.handlers[msg.Event]
		if !ok {
			metrics.MessagesDropped.WithLabelValues("unknown_event").Inc()
			a.logger.Warn().Str("event", string(msg.Event)).Str("from", msg.From).Msg("No handler for event, dropped")
			continue
		}
		if err := h(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.MessagesDropped.WithLabelValues(errdefs.Kind(err)).Inc()
			a.logger.Warn().Err(err).Str("event", string(msg.Event)).Str("from", msg.From).Msg("Message handling failed")
		}
	}
}
