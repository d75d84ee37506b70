// Package nodeagent is the node-tier mechanism. It mirrors the slice of the
// cluster's current plan placed on this node, runs the node-local policies
// of the apps it hosts, applies node-local runtime configuration, and
// reports every applied change back with PLAN_EXECUTED.
package nodeagent

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/tasklog"
	"github.com/mlsysops/continuum/pkg/types"
)

// Sender delivers messages to the parent cluster agent
type Sender interface {
	SendToCluster(ctx context.Context, cluster string, event events.EventType, payload any) error
}

// PolicyRunner starts and stops the node-local policies of an app
type PolicyRunner interface {
	StartApp(ctx context.Context, app string, initial bool) error
	StopApp(app string)
}

// Configurator applies node-local runtime settings
type Configurator interface {
	Apply(freq, powerMode string) error
}

// Config identifies the node
type Config struct {
	NodeName string
	Cluster  string
}

// SyncRequest is the payload a node sends to ask for NODE_STATE_SYNC
type SyncRequest struct {
	Node string `json:"node"`
}

// Node holds the projection of this node and handles cluster messages
type Node struct {
	cfg          Config
	sender       Sender
	tasks        *tasklog.Log
	configurator Configurator
	logger       zerolog.Logger

	mu         sync.RWMutex
	policies   PolicyRunner
	projection map[string]map[string]*types.ComponentProjection
}

// New creates a node mechanism. configurator may be nil when the node does
// not manage runtime settings.
func New(cfg Config, sender Sender, tasks *tasklog.Log, configurator Configurator) *Node {
	return &Node{
		cfg:          cfg,
		sender:       sender,
		tasks:        tasks,
		configurator: configurator,
		logger:       log.WithNode(cfg.NodeName),
		projection:   make(map[string]map[string]*types.ComponentProjection),
	}
}

// SetPolicies wires the policy runner; the runner itself reads apps from
// the node, so it is built after it
func (n *Node) SetPolicies(p PolicyRunner) {
	n.mu.Lock()
	n.policies = p
	n.mu.Unlock()
}

// Name returns the node name
func (n *Node) Name() string {
	return n.cfg.NodeName
}

// HandleMessage applies one message from the cluster. Unknown events and
// undecodable payloads fail only this message.
func (n *Node) HandleMessage(ctx context.Context, msg *events.Message) error {
	switch msg.Event {
	case events.ComponentPlaced, events.ComponentUpdated, events.ComponentRemoved:
		var ev types.ComponentEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return n.handleComponent(ctx, msg.Event, &ev)

	case events.NodeStateSync:
		var proj types.NodeProjection
		if err := msg.Decode(&proj); err != nil {
			return err
		}
		n.Sync(ctx, proj)
		return nil

	case events.FluidityInternalPlanUpdate:
		var res types.PlanResult
		if err := msg.Decode(&res); err != nil {
			return err
		}
		if !n.tasks.UpdatePlanStatus(res.PlanUID, types.TierNode, res.Status) {
			n.logger.Debug().Str("plan_uid", res.PlanUID).Msg("Plan update for unknown or finished plan, dropped")
			return nil
		}
		if res.Reason != "" {
			n.tasks.SetReason(res.PlanUID, res.Reason)
		}
		n.logger.Info().Str("plan_uid", res.PlanUID).Str("status", string(res.Status)).Msg("Proxy plan finished")
		return nil
	}
	return errdefs.Wrap(errdefs.ErrValidationFailed, "node cannot handle %s", msg.Event)
}

func (n *Node) handleComponent(ctx context.Context, event events.EventType, ev *types.ComponentEvent) error {
	logger := n.logger.With().Str("app", ev.AppName).Str("component", ev.Component).Str("pod", ev.PodName).Logger()
	if ev.NodeName != "" && ev.NodeName != n.cfg.NodeName {
		logger.Warn().Str("target", ev.NodeName).Msg("Component event for another node, dropped")
		return nil
	}

	var err error
	switch event {
	case events.ComponentPlaced:
		n.place(ctx, ev)
		logger.Info().Msg("Component placed")
	case events.ComponentUpdated:
		err = n.update(ctx, ev)
		logger.Info().Str("replaces", ev.Replaces).Msg("Component updated")
	case events.ComponentRemoved:
		n.remove(ev)
		logger.Info().Msg("Component removed")
	}

	n.reply(ctx, ev, err)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}
	return nil
}

func (n *Node) place(ctx context.Context, ev *types.ComponentEvent) {
	n.mu.Lock()
	pods, known := n.projection[ev.AppName]
	if !known {
		pods = make(map[string]*types.ComponentProjection)
		n.projection[ev.AppName] = pods
	}
	pods[ev.PodName] = projectionOf(ev)
	policies := n.policies
	n.mu.Unlock()

	if !known && policies != nil {
		if err := policies.StartApp(ctx, ev.AppName, false); err != nil {
			n.logger.Warn().Err(err).Str("app", ev.AppName).Msg("Failed to start node policies")
		}
	}
}

// update swaps the replaced pod for the new one and applies its runtime
// settings. Missing cpufreq support on the node is not a failure.
func (n *Node) update(ctx context.Context, ev *types.ComponentEvent) error {
	n.mu.Lock()
	pods, known := n.projection[ev.AppName]
	if !known {
		pods = make(map[string]*types.ComponentProjection)
		n.projection[ev.AppName] = pods
	}
	if ev.Replaces != "" {
		delete(pods, ev.Replaces)
	}
	pods[ev.PodName] = projectionOf(ev)
	policies := n.policies
	n.mu.Unlock()

	if !known && policies != nil {
		if err := policies.StartApp(ctx, ev.AppName, false); err != nil {
			n.logger.Warn().Err(err).Str("app", ev.AppName).Msg("Failed to start node policies")
		}
	}

	if n.configurator == nil || ev.PodSpec == nil {
		return nil
	}
	freq := ev.PodSpec.Annotations[types.AnnotationCPUFrequency]
	mode := ev.PodSpec.Annotations[types.AnnotationPowerMode]
	if err := n.configurator.Apply(freq, mode); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			n.logger.Debug().Err(err).Msg("Runtime configuration not supported on this node")
			return nil
		}
		return err
	}
	return nil
}

func (n *Node) remove(ev *types.ComponentEvent) {
	n.mu.Lock()
	pods := n.projection[ev.AppName]
	delete(pods, ev.PodName)
	empty := len(pods) == 0
	if empty {
		delete(n.projection, ev.AppName)
	}
	policies := n.policies
	n.mu.Unlock()

	if empty && policies != nil {
		policies.StopApp(ev.AppName)
	}
}

// Sync replaces the projection with proj and starts or stops app policies
// to match
func (n *Node) Sync(ctx context.Context, proj types.NodeProjection) {
	next := make(map[string]map[string]*types.ComponentProjection, len(proj))
	for app, comps := range proj {
		pods := make(map[string]*types.ComponentProjection, len(comps))
		for i := range comps {
			c := comps[i]
			pods[c.PodName] = &c
		}
		if len(pods) > 0 {
			next[app] = pods
		}
	}

	n.mu.Lock()
	prev := n.projection
	n.projection = next
	policies := n.policies
	n.mu.Unlock()

	n.logger.Info().Int("apps", len(next)).Msg("Projection synchronised")
	if policies == nil {
		return
	}
	for app := range prev {
		if _, ok := next[app]; !ok {
			policies.StopApp(app)
		}
	}
	for app := range next {
		if _, ok := prev[app]; !ok {
			if err := policies.StartApp(ctx, app, false); err != nil {
				n.logger.Warn().Err(err).Str("app", app).Msg("Failed to start node policies")
			}
		}
	}
}

// RequestSync asks the cluster for this node's projection
func (n *Node) RequestSync(ctx context.Context) error {
	return n.sender.SendToCluster(ctx, n.cfg.Cluster, events.NodeStateSync, &SyncRequest{Node: n.cfg.NodeName})
}

func (n *Node) reply(ctx context.Context, ev *types.ComponentEvent, err error) {
	if ev.PlanUID == "" {
		return
	}
	res := &types.PlanExecuted{
		PlanUID:   ev.PlanUID,
		AppName:   ev.AppName,
		Status:    types.PlanCompleted,
		Tier:      types.TierNode,
		Node:      n.cfg.NodeName,
		Component: ev.Component,
	}
	if err != nil {
		res.Status = types.PlanFailed
		res.Reason = errdefs.Kind(err)
	}
	if err := n.sender.SendToCluster(ctx, n.cfg.Cluster, events.PlanExecuted, res); err != nil {
		n.logger.Warn().Err(err).Str("plan_uid", ev.PlanUID).Msg("Failed to report plan execution")
	}
}

// Submit sends a node policy's plan to the cluster as a proxy plan. It
// satisfies the policy controller's submitter.
func (n *Node) Submit(ctx context.Context, plan *types.Plan) error {
	plan.Origin = types.OriginNodeProxy
	plan.OriginNode = n.cfg.NodeName
	inner, err := events.NewMessage(events.FluidityInternalPlanSubmitted, plan)
	if err != nil {
		return err
	}
	inner.From = n.cfg.NodeName
	if err := n.sender.SendToCluster(ctx, n.cfg.Cluster, events.MessageToFluidity, inner); err != nil {
		return err
	}
	n.tasks.UpdatePlanStatus(plan.UID, types.TierNode, types.PlanScheduled)
	return nil
}

// Snapshot builds the node's partial view of app from its projection
func (n *Node) Snapshot(app string) (*types.AppRuntime, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pods, ok := n.projection[app]
	if !ok {
		return nil, false
	}

	rt := &types.AppRuntime{
		Spec:       types.AppSpec{Name: app},
		Components: make(map[string]*types.ComponentRuntime),
		CurrPlan:   make(map[string][]types.HostEntry),
	}
	for _, name := range sortedPods(pods) {
		p := pods[name]
		cr, ok := rt.Components[p.Component]
		if !ok {
			cr = &types.ComponentRuntime{Name: p.Component}
			if p.Spec != nil {
				cr.Spec = *p.Spec.DeepCopy()
				rt.Spec.Components = append(rt.Spec.Components, cr.Spec)
			}
			rt.Components[p.Component] = cr
		}
		entry := types.HostEntry{Host: n.cfg.NodeName, Status: types.StatusActive, PodName: p.PodName}
		cr.Hosts = append(cr.Hosts, entry)
		rt.CurrPlan[p.Component] = append(rt.CurrPlan[p.Component], entry)
		rt.PodNames = append(rt.PodNames, p.PodName)
	}
	rt.TotalPods = len(rt.PodNames)
	return rt, true
}

// Nodes returns the only node a node agent knows
func (n *Node) Nodes() []types.NodeRecord {
	return []types.NodeRecord{{Name: n.cfg.NodeName, KubernetesReady: true}}
}

// PodsForApp lists the projected pods of app
func (n *Node) PodsForApp(app string) []types.PodRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []types.PodRecord
	for _, name := range sortedPods(n.projection[app]) {
		p := n.projection[app][name]
		rec := types.PodRecord{Name: p.PodName, NodeName: n.cfg.NodeName, App: app, Component: p.Component, Ready: true}
		if p.Pod != nil {
			rec.Labels = p.Pod.Labels
			rec.Phase = p.Pod.Status.Phase
		}
		out = append(out, rec)
	}
	return out
}

// Apps lists the apps with at least one component on this node
func (n *Node) Apps() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.projection))
	for app := range n.projection {
		out = append(out, app)
	}
	sort.Strings(out)
	return out
}

// Projection returns a copy of the node's projection
func (n *Node) Projection() types.NodeProjection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(types.NodeProjection, len(n.projection))
	for app, pods := range n.projection {
		for _, name := range sortedPods(pods) {
			out[app] = append(out[app], *pods[name])
		}
	}
	return out
}

func projectionOf(ev *types.ComponentEvent) *types.ComponentProjection {
	return &types.ComponentProjection{
		App:       ev.AppName,
		Component: ev.Component,
		Spec:      ev.CompSpec,
		PodName:   ev.PodName,
		Pod:       ev.PodSpec,
		PlanUID:   ev.PlanUID,
	}
}

func sortedPods(pods map[string]*types.ComponentProjection) []string {
	names := make([]string, 0, len(pods))
	for name := range pods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
