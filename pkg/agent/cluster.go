package agent

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"

	"github.com/mlsysops/continuum/pkg/api"
	"github.com/mlsysops/continuum/pkg/client"
	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/mechanism"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/nodeagent"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/policy/builtin"
	"github.com/mlsysops/continuum/pkg/reconciler"
	"github.com/mlsysops/continuum/pkg/registry"
	"github.com/mlsysops/continuum/pkg/scheduler"
	"github.com/mlsysops/continuum/pkg/telemetry"
	"github.com/mlsysops/continuum/pkg/types"
	"github.com/mlsysops/continuum/pkg/watcher"
)

// type check: the policy controller is a PolicyRunner
var _ PolicyRunner = &policy.Controller{}

// Cluster is the cluster-tier agent. It owns the registry, runs the
// cluster policies and executes their plans through the scheduler and
// mechanism.
type Cluster struct {
	*Agent

	reg       *registry.Registry
	apps      *client.Client
	mech      *mechanism.Mechanism
	proxies   *mechanism.ProxyTable
	sched     *scheduler.Scheduler
	catalog   *policy.Catalog
	policies  *policy.Controller
	telemetry *telemetry.Controller
	recon     *reconciler.Reconciler
	collector *metrics.Collector
}

// NewCluster builds the cluster agent around actx. actx.Kube must be set.
func NewCluster(actx *AgentContext) (*Cluster, error) {
	cfg := actx.Config
	if actx.Kube == nil {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "cluster agent requires a Kubernetes client")
	}
	kc := actx.Kube

	reg := registry.New(registry.Config{Namespace: cfg.Namespace, ClusterID: cfg.Name}, kc, actx.Store)
	actx.Registry = reg

	catalog := policy.NewCatalog(cfg.PolicyDir, types.TierCluster)
	for _, d := range builtin.Defaults(types.TierCluster) {
		if err := catalog.Add(d); err != nil {
			return nil, fmt.Errorf("failed to add policy %s: %w", d.Name, err)
		}
	}

	c := &Cluster{
		Agent:   newAgent(actx),
		reg:     reg,
		apps:    client.New(kc, cfg.Namespace),
		mech:    mechanism.New(cfg.MechanismConfig(), kc, reg),
		proxies: mechanism.NewProxyTable(cfg.Mechanism.ProxyTTL, actx.Store),
		catalog: catalog,
		telemetry: telemetry.New(telemetry.Config{
			Endpoint:        cfg.Telemetry.Endpoint,
			DefaultInterval: cfg.Telemetry.ExportInterval,
		}, nil, reg),
		collector: metrics.NewCollector(reg, 0),
	}
	c.sched = scheduler.New(scheduler.Config{
		Mechanism: c.mech,
		Registry:  reg,
		Tasks:     actx.Tasks,
		Proxies:   c.proxies,
		Notifier:  c,
		OnResult:  c.onResult,
	})
	c.policies = policy.NewController(policy.Config{
		Tier:   types.TierCluster,
		Origin: types.OriginClusterPolicy,
		Period: cfg.Policy.Period,
	}, catalog, reg, c.telemetry, c.sched, actx.Tasks)
	c.recon = reconciler.NewReconciler(reconciler.Config{
		Namespace:     cfg.Namespace,
		Interval:      cfg.Reconcile.Interval,
		TaskRetention: cfg.Reconcile.TaskRetention,
		WaitForApps:   true,
	}, kc, reg, actx.Tasks, c.proxies)

	appWatcher := watcher.New(kc.ResourceSource(kube.AppsGVR, cfg.Namespace), c.sinkFor(appEvents, appPayload))
	c.watch(appWatcher)
	c.watch(watcher.New(kc.NodeSource(), c.sinkFor(nodeEvents, nodePayload)))
	c.watch(watcher.New(kc.PodSource(cfg.Namespace, nil), c.sinkFor(podEvents, podPayload)))
	c.watch(watcher.New(kc.ResourceSource(kube.NodesGVR, cfg.Namespace), c.sinkFor(descriptionEvents, descriptionPayload)))

	c.service("apps-sync", func(ctx context.Context) error {
		return c.announceSync(ctx, appWatcher.Synced())
	})
	c.service("reconciler", c.recon.Run)
	c.service("policy-catalog", func(ctx context.Context) error {
		return c.catalog.Watch(ctx, c.policies.Reload)
	})
	c.checks = append(c.checks, api.Check{Name: "inbound", Fn: c.inboundCheck})

	c.onBoot(c.boot)
	c.onShutdown(c.sched.Stop)
	c.onShutdown(c.policies.Stop)
	c.onShutdown(c.collector.Stop)

	c.Handle(c.handlePod, events.PodAdded, events.PodModified, events.PodDeleted)
	c.Handle(c.handleNode, events.KubernetesNodeAdded, events.KubernetesNodeModified, events.KubernetesNodeRemoved)
	c.Handle(c.handleDescription, events.NodeSystemDescriptionSubmitted, events.NodeSystemDescriptionUpdated, events.NodeSystemDescriptionRemoved)
	c.Handle(c.handleAppCreated, events.AppCreated)
	c.Handle(c.handleAppUpdated, events.AppUpdated)
	c.Handle(c.handleAppDeleted, events.AppDeleted)
	c.Handle(c.handleAppSubmit, events.AppSubmit)
	c.Handle(c.handleAppRemoved, events.AppRemoved)
	c.Handle(c.handleAppsSynced, events.AppsSynced)
	c.Handle(c.handlePlanSubmitted, events.PlanSubmitted)
	c.Handle(c.handlePlanExecuted, events.PlanExecuted)
	c.Handle(c.handleStateSync, events.NodeStateSync)
	c.Handle(c.handleProxyPlan, events.MessageToFluidity)
	c.Handle(c.handleCollector, events.OtelDeploy, events.OtelRemove, events.NodeExporterDeploy, events.NodeExporterRemove)
	c.Handle(c.handleIntervalUpdate, events.OtelNodeIntervalUpdate)
	return c, nil
}

// Registry returns the cluster's registry
func (c *Cluster) Registry() *registry.Registry {
	return c.reg
}

func (c *Cluster) boot(ctx context.Context) error {
	cfg := c.actx.Config
	metrics.SetCriticalComponents(metrics.ComponentKubernetes, metrics.ComponentTransport)
	if err := c.actx.Kube.EnsureNamespace(ctx, cfg.Namespace); err != nil {
		metrics.UpdateComponent(metrics.ComponentKubernetes, false, err.Error())
		return fmt.Errorf("failed to ensure namespace %s: %w", cfg.Namespace, err)
	}
	if err := c.actx.Kube.EnsureCRDs(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentKubernetes, false, err.Error())
		return fmt.Errorf("failed to register CRDs: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentKubernetes, true, "")

	if err := c.catalog.Load(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load policy directory, using built-in policies")
	}
	if cfg.Parent != "" && cfg.Description != nil {
		if err := c.SendToCluster(ctx, cfg.Parent, events.ClusterSystemDescriptionSubmitted, cfg.Description); err != nil {
			c.logger.Warn().Err(err).Str("continuum", cfg.Parent).Msg("Failed to submit cluster description")
		}
	}
	c.collector.Start()
	return nil
}

// announceSync queues an APPS_SYNCED marker behind the first app list, so it
// is handled after every app that list produced
func (c *Cluster) announceSync(ctx context.Context, synced <-chan struct{}) error {
	select {
	case <-synced:
	case <-ctx.Done():
		return nil
	}
	msg := events.MustMessage(events.AppsSynced, struct{}{})
	msg.Origin = events.OriginInternal
	msg.From = c.actx.Config.Name
	return c.actx.Inbound.Put(ctx, msg)
}

// handleAppsSynced forgets stored apps deleted while the agent was down and
// lets the reconciler judge pods against the now complete app index
func (c *Cluster) handleAppsSynced(_ context.Context, msg *events.Message) error {
	if msg.Origin != events.OriginInternal || msg.From != c.actx.Config.Name {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "%s from %s ignored", msg.Event, msg.From)
	}
	pruned, err := c.reg.PruneStored()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to prune stored apps")
	}
	for _, name := range pruned {
		c.logger.Info().Str("app", name).Msg("App deleted while the agent was down")
	}
	c.recon.AppsSynced()
	return nil
}

func (c *Cluster) inboundCheck(context.Context) error {
	if c.actx.Inbound.Len() >= DefaultQueueSize {
		return errors.New("inbound queue full")
	}
	return nil
}

// onResult observes every plan the scheduler finished
func (c *Cluster) onResult(_ context.Context, plan *types.Plan, res *types.PlanResult) {
	if plan.Initial && res.Status == types.PlanCompleted {
		c.reg.MarkMonitorStarted(plan.AppName)
	}
	c.actx.Broker.Publish(events.MustMessage(events.PlanExecuted, &types.PlanExecuted{
		PlanUID: plan.UID,
		AppName: plan.AppName,
		Status:  res.Status,
		Tier:    types.TierCluster,
		Reason:  res.Reason,
	}))
}

func (c *Cluster) handlePod(_ context.Context, msg *events.Message) error {
	var pod corev1.Pod
	if err := msg.Decode(&pod); err != nil {
		return err
	}
	c.reg.ApplyPodEvent(operation(msg), &pod)
	return nil
}

func (c *Cluster) handleNode(_ context.Context, msg *events.Message) error {
	var node corev1.Node
	if err := msg.Decode(&node); err != nil {
		return err
	}
	op := operation(msg)
	if c.reg.ApplyNodeEvent(op, &node) {
		c.logger.Info().Str("node", node.Name).Str("op", op).Bool("ready", kube.NodeIsReady(&node)).Msg("Node readiness changed")
	}
	return nil
}

func (c *Cluster) handleDescription(_ context.Context, msg *events.Message) error {
	var desc types.NodeDescription
	if err := msg.Decode(&desc); err != nil {
		return err
	}
	if desc.Name == "" {
		desc.Name = msg.From
	}
	if desc.Name == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "node description without name")
	}
	c.reg.SetNodeDescription(operation(msg), &desc)
	c.logger.Debug().Str("node", desc.Name).Str("event", string(msg.Event)).Msg("Node description recorded")
	return nil
}

func (c *Cluster) handleAppCreated(ctx context.Context, msg *events.Message) error {
	var spec types.AppSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	if c.reg.Has(spec.Name) {
		return c.updateApp(ctx, &spec)
	}

	if _, err := c.reg.IngestApp(ctx, &spec); err != nil {
		return fmt.Errorf("failed to ingest app %s: %w", spec.Name, err)
	}
	adopted, err := c.reg.Adopt(ctx, spec.Name)
	if err != nil {
		c.logger.Warn().Err(err).Str("app", spec.Name).Msg("Failed to adopt running pods")
	}
	if adopted > 0 {
		c.reg.MarkMonitorStarted(spec.Name)
		c.logger.Info().Str("app", spec.Name).Int("pods", adopted).Msg("Adopted running pods")
	}
	return c.policies.StartApp(ctx, spec.Name, adopted == 0)
}

func (c *Cluster) handleAppUpdated(ctx context.Context, msg *events.Message) error {
	var spec types.AppSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	if !c.reg.Has(spec.Name) {
		return c.handleAppCreated(ctx, msg)
	}
	return c.updateApp(ctx, &spec)
}

func (c *Cluster) updateApp(ctx context.Context, spec *types.AppSpec) error {
	plan, err := c.reg.UpdateApp(spec)
	if err != nil {
		return fmt.Errorf("rejected update of app %s: %w", spec.Name, err)
	}
	if equality.Semantic.DeepEqual(plan.OldSpec, plan.NewSpec) {
		c.logger.Debug().Str("app", spec.Name).Msg("App description unchanged")
		return nil
	}
	if err := c.sched.Submit(ctx, plan); err != nil {
		return err
	}
	c.policies.SpecChanged(spec.Name, plan.OldSpec, plan.NewSpec)
	return nil
}

func (c *Cluster) handleAppDeleted(_ context.Context, msg *events.Message) error {
	var spec types.AppSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	name := spec.Name
	c.policies.StopApp(name)
	c.Go("remove-app", func(ctx context.Context) error {
		if err := c.sched.RemoveApp(ctx, name); err != nil {
			return fmt.Errorf("failed to remove app %s: %w", name, err)
		}
		c.logger.Info().Str("app", name).Msg("App removed")
		return nil
	})
	return nil
}

// handleAppSubmit stores an app forwarded by the continuum as a custom
// resource; the app watcher takes it from there
func (c *Cluster) handleAppSubmit(ctx context.Context, msg *events.Message) error {
	var spec types.AppSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	created, err := c.apps.Apply(ctx, &spec)
	if err != nil {
		return err
	}
	c.logger.Info().Str("app", spec.Name).Str("from", msg.From).Bool("created", created).Msg("App submitted")
	return nil
}

func (c *Cluster) handleAppRemoved(ctx context.Context, msg *events.Message) error {
	var spec types.AppSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	if err := c.apps.Delete(ctx, spec.Name); err != nil {
		return err
	}
	c.logger.Info().Str("app", spec.Name).Str("from", msg.From).Msg("App withdrawn")
	return nil
}

func (c *Cluster) handlePlanSubmitted(ctx context.Context, msg *events.Message) error {
	plan, err := types.ParsePlan(msg.Payload)
	if err != nil {
		return err
	}
	if plan.Origin == "" {
		plan.Origin = types.OriginClusterPolicy
	}
	if !c.reg.Has(plan.AppName) {
		return errdefs.Wrap(errdefs.ErrNotFound, "plan %s for unknown app %s", plan.UID, plan.AppName)
	}
	return c.sched.Submit(ctx, plan)
}

// handlePlanExecuted records a node's report on a plan it applied
func (c *Cluster) handlePlanExecuted(_ context.Context, msg *events.Message) error {
	var res types.PlanExecuted
	if err := msg.Decode(&res); err != nil {
		return err
	}
	if res.PlanUID == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "plan report without plan_uid")
	}
	tier := res.Tier
	if tier == "" {
		tier = types.TierNode
	}
	if !c.UpdatePlanStatus(res.PlanUID, tier, res.Status) {
		c.logger.Debug().Str("plan_uid", res.PlanUID).Str("node", res.Node).Msg("Plan report not recorded")
		return nil
	}
	if res.Reason != "" {
		c.actx.Tasks.SetReason(res.PlanUID, res.Reason)
	}
	c.actx.Broker.Publish(msg)
	c.logger.Debug().
		Str("plan_uid", res.PlanUID).
		Str("node", res.Node).
		Str("component", res.Component).
		Str("status", string(res.Status)).
		Msg("Plan report recorded")
	return nil
}

// handleStateSync answers a node with the components it should be running
func (c *Cluster) handleStateSync(ctx context.Context, msg *events.Message) error {
	var req nodeagent.SyncRequest
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&req); err != nil {
			return err
		}
	}
	node := req.Node
	if node == "" {
		node = msg.From
	}
	if node == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "state sync without node")
	}
	return c.SendToNode(ctx, node, events.NodeStateSync, c.reg.NodeProjection(node))
}

// handleProxyPlan unwraps a plan a node policy submitted. Plans that cannot
// be scheduled are answered right away so the node does not wait for them.
func (c *Cluster) handleProxyPlan(ctx context.Context, msg *events.Message) error {
	var inner events.Message
	if err := msg.Decode(&inner); err != nil {
		return err
	}
	if inner.Event != events.FluidityInternalPlanSubmitted {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "unexpected fluidity message %s", inner.Event)
	}
	origin := inner.From
	if origin == "" {
		origin = msg.From
	}

	plan, err := types.ParsePlan(inner.Payload)
	if err != nil {
		c.reject(ctx, origin, inner.PlanUIDOf(), "", err)
		return err
	}
	if plan.OriginNode != "" {
		origin = plan.OriginNode
	}
	plan.Origin = types.OriginNodeProxy
	plan.OriginNode = origin
	if !c.reg.Has(plan.AppName) {
		err := errdefs.Wrap(errdefs.ErrNotFound, "proxy plan %s for unknown app %s", plan.UID, plan.AppName)
		c.reject(ctx, origin, plan.UID, plan.AppName, err)
		return err
	}
	return c.sched.Submit(ctx, plan)
}

func (c *Cluster) reject(ctx context.Context, node, planUID, app string, cause error) {
	if node == "" || planUID == "" {
		return
	}
	res := &types.PlanResult{
		PlanUID: planUID,
		AppName: app,
		Status:  types.PlanFailed,
		Reason:  errdefs.Kind(cause),
		Error:   cause.Error(),
	}
	if err := c.SendToNode(ctx, node, events.FluidityInternalPlanUpdate, res); err != nil {
		c.logger.Warn().Err(err).Str("node", node).Str("plan_uid", planUID).Msg("Failed to reject proxy plan")
	}
}

func (c *Cluster) handleCollector(ctx context.Context, msg *events.Message) error {
	var req mechanism.CollectorRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	kind := mechanism.CollectorOtel
	if msg.Event == events.NodeExporterDeploy || msg.Event == events.NodeExporterRemove {
		kind = mechanism.CollectorNodeExporter
	}

	switch msg.Event {
	case events.OtelDeploy, events.NodeExporterDeploy:
		if kind == mechanism.CollectorOtel {
			if req.Endpoint == "" {
				req.Endpoint = c.telemetry.Endpoint()
			}
			if req.Interval == "" {
				req.Interval = c.telemetry.Interval(req.Node).String()
			}
		}
		_, err := c.mech.DeployCollector(ctx, kind, req)
		return err
	default:
		if req.Node == "" {
			return errdefs.Wrap(errdefs.ErrValidationFailed, "%s without node", msg.Event)
		}
		return c.mech.RemoveCollector(ctx, kind, req.Node)
	}
}

// handleIntervalUpdate redeploys a node's collector with a new interval
func (c *Cluster) handleIntervalUpdate(ctx context.Context, msg *events.Message) error {
	upd, interval, err := c.telemetry.HandleIntervalUpdate(msg)
	if err != nil {
		return err
	}
	if err := c.mech.RemoveCollector(ctx, mechanism.CollectorOtel, upd.Node); err != nil {
		return err
	}
	_, err = c.mech.DeployCollector(ctx, mechanism.CollectorOtel, mechanism.CollectorRequest{
		Node:     upd.Node,
		Endpoint: c.telemetry.Endpoint(),
		Interval: interval.String(),
	})
	return err
}
