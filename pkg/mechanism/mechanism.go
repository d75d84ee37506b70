// Package mechanism applies deployment plans to the Kubernetes cluster on
// behalf of the cluster agent.
//
// Apply runs a plan through seven phases: translate, validate hosts, record
// host transitions, materialise manifests, deploy, teardown and PlanDict
// emission. Work happens on a snapshot of the app runtime which is
// committed to the registry only when every phase succeeded; on failure the
// registry keeps its pre-plan state and the pods created for the plan are
// deleted.
package mechanism

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/placement"
	"github.com/mlsysops/continuum/pkg/registry"
	"github.com/mlsysops/continuum/pkg/types"
)

// Config tunes the waits of Apply
type Config struct {
	ReadyTimeout       time.Duration
	PredecessorTimeout time.Duration
	TeardownTimeout    time.Duration
	PollInterval       time.Duration
	RollbackTimeout    time.Duration
	Collectors         CollectorConfig
}

// DefaultConfig returns the production waits
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:       120 * time.Second,
		PredecessorTimeout: 120 * time.Second,
		TeardownTimeout:    60 * time.Second,
		PollInterval:       time.Second,
		RollbackTimeout:    30 * time.Second,
		Collectors:         DefaultCollectorConfig(),
	}
}

// Mechanism executes plans for the apps of one registry. Callers serialise
// plans per app.
type Mechanism struct {
	cfg    Config
	kube   kube.Client
	reg    *registry.Registry
	logger zerolog.Logger
}

// New creates a mechanism. Zero durations in cfg take their defaults.
func New(cfg Config, kc kube.Client, reg *registry.Registry) *Mechanism {
	def := DefaultConfig()
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.PredecessorTimeout == 0 {
		cfg.PredecessorTimeout = def.PredecessorTimeout
	}
	if cfg.TeardownTimeout == 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RollbackTimeout == 0 {
		cfg.RollbackTimeout = def.RollbackTimeout
	}
	if cfg.Collectors.OtelImage == "" {
		cfg.Collectors.OtelImage = def.Collectors.OtelImage
	}
	if cfg.Collectors.NodeExporterImage == "" {
		cfg.Collectors.NodeExporterImage = def.Collectors.NodeExporterImage
	}
	return &Mechanism{cfg: cfg, kube: kc, reg: reg, logger: log.WithComponent("mechanism")}
}

// Apply drives plan to a terminal status. The returned error is nil exactly
// when the result is completed; its kind is also recorded in result.Reason.
func (m *Mechanism) Apply(ctx context.Context, plan *types.Plan) (*types.PlanResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PlanDuration, string(plan.Origin))

	result := &types.PlanResult{PlanUID: plan.UID, AppName: plan.AppName}
	dict, err := m.apply(ctx, plan)
	if err != nil {
		result.Status = types.PlanFailed
		result.Reason = errdefs.Kind(err)
		result.Error = err.Error()
		metrics.PlanFailures.WithLabelValues(result.Reason).Inc()
	} else {
		result.Status = types.PlanCompleted
		result.PlanDict = dict
	}
	metrics.PlansTotal.WithLabelValues(string(plan.Origin), string(result.Status)).Inc()
	metrics.AppPlans.WithLabelValues(plan.AppName, string(result.Status)).Inc()
	return result, err
}

func (m *Mechanism) apply(ctx context.Context, plan *types.Plan) (types.PlanDict, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	rt, ok := m.reg.Snapshot(plan.AppName)
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "app %s", plan.AppName)
	}

	r := &run{
		m:         m,
		plan:      plan,
		rt:        rt,
		namespace: m.reg.Namespace(),
		logger:    log.WithPlan(plan.AppName, plan.UID),
		templates: make(map[string]*registry.ComponentTemplate),
		specs:     make(map[string]*types.ComponentSpec),
		dict:      make(types.PlanDict),
	}
	r.logger.Debug().Str("origin", string(plan.Origin)).Msg("Applying plan")

	// Phases 1-4 only touch the snapshot
	if err := r.translate(); err != nil {
		return nil, err
	}
	if err := r.validateHosts(); err != nil {
		return nil, err
	}
	if err := r.recordTransitions(); err != nil {
		return nil, err
	}
	r.materialise()

	if err := r.deploy(ctx); err != nil {
		r.rollback(ctx)
		return nil, err
	}
	if err := r.teardown(ctx); err != nil {
		r.rollback(ctx)
		return nil, err
	}
	r.finish()
	if err := m.reg.Commit(r.rt); err != nil {
		r.rollback(ctx)
		return nil, err
	}

	r.logger.Info().
		Int("started", len(r.starts)).
		Int("stopped", len(r.stops)).
		Msg("Plan completed")
	return r.dict, nil
}

// instance is one pod started or stopped by the plan
type instance struct {
	comp     string
	host     string
	kind     types.ActionKind
	pod      string
	replaces string
	entry    int
	manifest *types.PodManifest
}

// run carries the state of one Apply
type run struct {
	m         *Mechanism
	plan      *types.Plan
	rt        *types.AppRuntime
	namespace string
	logger    zerolog.Logger

	work      *types.Plan
	appSpec   *types.AppSpec
	templates map[string]*registry.ComponentTemplate
	specs     map[string]*types.ComponentSpec
	starts    []*instance
	stops     []*instance
	created   []string
	dict      types.PlanDict
}

// translate builds the working action list. Spec changes become change_spec
// actions on every ACTIVE host; policy change_spec actions without an
// effective template difference are dropped.
func (r *run) translate() error {
	r.work = &types.Plan{UID: r.plan.UID, AppName: r.plan.AppName, Actions: make(types.DeploymentPlan)}

	if r.plan.NewSpec != nil {
		if err := r.translateSpecChange(); err != nil {
			return err
		}
		r.work.SortActions()
		return nil
	}

	hadChangeSpec := false
	for _, comp := range r.plan.Components() {
		cr, ok := r.rt.Components[comp]
		if !ok {
			return errdefs.Wrap(errdefs.ErrValidationFailed, "plan names unknown component %s", comp)
		}
		var kept []types.Action
		for _, a := range r.plan.Actions[comp] {
			if a.Kind != types.ActionChangeSpec {
				kept = append(kept, a)
				continue
			}
			hadChangeSpec = true
			keep, err := r.mergeChangeSpec(cr, &a)
			if err != nil {
				return err
			}
			if keep {
				kept = append(kept, a)
			}
		}
		if len(kept) > 0 {
			r.work.Actions[comp] = kept
		}
	}

	if r.work.Empty() {
		if hadChangeSpec {
			return errdefs.Wrap(errdefs.ErrNoEffectiveChange, "change_spec of %s alters no pod template", r.plan.AppName)
		}
		return errdefs.Wrap(errdefs.ErrValidationFailed, "plan %s has no actions", r.plan.UID)
	}
	r.work.SortActions()
	return nil
}

func (r *run) mergeChangeSpec(cr *types.ComponentRuntime, a *types.Action) (bool, error) {
	if _, ok := hostEntry(cr, a.Host, types.StatusActive); !ok {
		return false, errdefs.Wrap(errdefs.ErrHostNotPlaced, "component %s is not active on %s", cr.Name, a.Host)
	}

	next := cr.Spec.DeepCopy()
	if prev, ok := r.specs[cr.Name]; ok {
		next = prev.DeepCopy()
	}
	if a.NewSpec != nil {
		next = a.NewSpec.DeepCopy()
		next.Name = cr.Name
		next.UID = cr.UID
	}
	if err := registry.CheckComponentMutation(&r.rt.Spec, next); err != nil {
		return false, err
	}

	app := r.rt.Spec.DeepCopy()
	for i := range app.Components {
		if app.Components[i].Name == cr.Name {
			app.Components[i] = *next.DeepCopy()
		}
	}
	templates, err := registry.Templates(app, r.rt, r.namespace)
	if err != nil {
		return false, err
	}
	tpl := templates[cr.Name]

	pinned, repinned := registry.PinnedNodeChanged(&cr.Spec, next)
	if !registry.TemplateChanged(currentTemplate(cr), tpl) && !repinned {
		r.logger.Debug().Str("component", cr.Name).Str("host", a.Host).Msg("change_spec has no effect, dropped")
		return false, nil
	}
	if repinned && pinned != a.Host {
		a.TargetHost = pinned
	}
	a.NewSpec = next
	r.templates[cr.Name] = tpl
	r.specs[cr.Name] = next
	return true, nil
}

func (r *run) translateSpecChange() error {
	next := r.plan.NewSpec.DeepCopy()
	templates, err := registry.Templates(next, r.rt, r.namespace)
	if err != nil {
		return err
	}

	changed := false
	for i := range next.Components {
		comp := &next.Components[i]
		cr, ok := r.rt.Components[comp.Name]
		if !ok {
			return errdefs.Wrap(errdefs.ErrUnsupportedMutation, "component %s is not part of %s", comp.Name, next.Name)
		}
		pinned, repinned := registry.PinnedNodeChanged(&cr.Spec, comp)
		if !registry.TemplateChanged(currentTemplate(cr), templates[comp.Name]) && !repinned {
			continue
		}
		changed = true
		r.specs[comp.Name] = comp.DeepCopy()
		for _, h := range cr.ActiveHosts() {
			a := types.Action{Kind: types.ActionChangeSpec, Host: h, NewSpec: comp.DeepCopy()}
			if repinned && pinned != h {
				a.TargetHost = pinned
			}
			r.work.Actions[comp.Name] = append(r.work.Actions[comp.Name], a)
		}
	}
	if !changed {
		return errdefs.Wrap(errdefs.ErrNoEffectiveChange, "update of %s alters no pod template", next.Name)
	}

	// Every component picks up the new spec on commit, changed or not
	r.appSpec = next
	r.templates = templates
	return nil
}

// validateHosts checks every target host before anything is mutated
func (r *run) validateHosts() error {
	for _, comp := range r.work.Components() {
		spec := r.specFor(comp)
		requests := r.templateFor(comp).Requests
		for _, a := range r.work.Actions[comp] {
			target := targetOf(a)
			if target == "" {
				continue
			}
			node, ok := r.m.reg.Node(target)
			if !ok {
				return errdefs.Wrap(errdefs.ErrHostIneligible, "%s: node %s is unknown", comp, target)
			}
			if err := placement.Eligible(node, spec, requests); err != nil {
				return fmt.Errorf("%s %s: %w", comp, a.Kind, err)
			}
		}
	}
	return nil
}

// recordTransitions appends PENDING host entries for new instances and marks
// the hosts that lose an instance INACTIVE
func (r *run) recordTransitions() error {
	for _, comp := range r.work.Components() {
		cr := r.rt.Components[comp]
		for _, a := range r.work.Actions[comp] {
			switch a.Kind {
			case types.ActionDeploy:
				r.start(cr, a.Host, a.Kind, "")
			case types.ActionRemove:
				if err := r.stop(cr, a.Host, a.Kind); err != nil {
					return err
				}
			case types.ActionMove:
				if err := r.stop(cr, a.SrcHost, a.Kind); err != nil {
					return err
				}
				r.start(cr, a.TargetHost, a.Kind, "")
			case types.ActionChangeSpec:
				old, ok := hostEntry(cr, a.Host, types.StatusActive)
				if !ok {
					return errdefs.Wrap(errdefs.ErrHostNotPlaced, "component %s is not active on %s", comp, a.Host)
				}
				replaces := cr.Hosts[old].PodName
				if err := r.stop(cr, a.Host, a.Kind); err != nil {
					return err
				}
				target := targetOf(a)
				if target != a.Host {
					replaces = ""
				}
				r.start(cr, target, a.Kind, replaces)
			}
		}
	}
	return nil
}

func (r *run) start(cr *types.ComponentRuntime, host string, kind types.ActionKind, replaces string) {
	cr.Hosts = append(cr.Hosts, types.HostEntry{Host: host, Status: types.StatusPending})
	r.starts = append(r.starts, &instance{
		comp:     cr.Name,
		host:     host,
		kind:     kind,
		replaces: replaces,
		entry:    len(cr.Hosts) - 1,
	})
}

func (r *run) stop(cr *types.ComponentRuntime, host string, kind types.ActionKind) error {
	i, ok := hostEntry(cr, host, types.StatusActive)
	if !ok {
		return errdefs.Wrap(errdefs.ErrHostNotPlaced, "component %s is not active on %s", cr.Name, host)
	}
	cr.Hosts[i].Status = types.StatusInactive
	pod := cr.Hosts[i].PodName
	if m, ok := cr.Manifest(pod); ok {
		m.Status = types.StatusInactive
	}
	r.stops = append(r.stops, &instance{comp: cr.Name, host: host, kind: kind, pod: pod, entry: i})
	return nil
}

// materialise builds a pod manifest for every new instance from the
// component's template
func (r *run) materialise() {
	for _, s := range r.starts {
		cr := r.rt.Components[s.comp]
		pod := r.templateFor(s.comp).Pod.DeepCopy()
		pod.Name = fmt.Sprintf("%s-%s", s.comp, utilrand.String(8))
		pod.Namespace = r.namespace
		pod.Spec.NodeName = s.host
		if pod.Labels == nil {
			pod.Labels = make(map[string]string)
		}
		pod.Labels[types.LabelApp] = r.rt.Spec.Name
		pod.Labels[types.LabelAppUID] = r.rt.Spec.UID
		pod.Labels[types.LabelComponent] = s.comp
		pod.Labels[types.LabelComponentUID] = uuid.NewString()
		pod.Labels[types.LabelPlanUID] = r.plan.UID

		s.pod = pod.Name
		s.manifest = &types.PodManifest{Pod: pod, Status: types.StatusPending, PlanUID: r.plan.UID}
		cr.PodManifests = append(cr.PodManifests, s.manifest)
		cr.Hosts[s.entry].PodName = pod.Name
	}
}

// deploy creates every PENDING manifest in dependency order, then waits for
// readiness and flips them ACTIVE
func (r *run) deploy(ctx context.Context) error {
	order := r.deployOrder()
	for _, s := range order {
		if err := r.waitPredecessors(ctx, s.comp); err != nil {
			return err
		}
		if _, err := r.m.kube.CreatePod(ctx, r.namespace, s.manifest.Pod.DeepCopy()); err != nil {
			return fmt.Errorf("failed to create pod %s on %s: %w", s.pod, s.host, err)
		}
		r.created = append(r.created, s.pod)
		metrics.PodsCreated.Inc()
		r.logger.Info().Str("pod", s.pod).Str("node", s.host).Msg("Pod created")
	}

	for _, s := range order {
		if err := r.waitReady(ctx, s.pod); err != nil {
			return err
		}
		s.manifest.Status = types.StatusActive
		r.rt.Components[s.comp].Hosts[s.entry].Status = types.StatusActive
	}
	return nil
}

// deployOrder sorts new instances so that components come after the
// components they depend on; ties keep spec order
func (r *run) deployOrder() []*instance {
	rank := make(map[string]int)
	var visit func(name string, depth int) int
	visit = func(name string, depth int) int {
		if v, ok := rank[name]; ok {
			return v
		}
		spec := r.specFor(name)
		v := 0
		if spec != nil && depth < len(r.rt.Spec.Components) {
			for _, dep := range spec.DependsOn {
				if d := visit(dep, depth+1) + 1; d > v {
					v = d
				}
			}
		}
		rank[name] = v
		return v
	}

	pos := make(map[string]int, len(r.rt.Spec.Components))
	for i, c := range r.rt.Spec.Components {
		pos[c.Name] = i
		visit(c.Name, 0)
	}

	order := append([]*instance(nil), r.starts...)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if rank[a.comp] != rank[b.comp] {
			return rank[a.comp] < rank[b.comp]
		}
		return pos[a.comp] < pos[b.comp]
	})
	return order
}

// waitPredecessors blocks until every dependsOn predecessor of comp has a pod
// Running and Ready on a Ready node
func (r *run) waitPredecessors(ctx context.Context, comp string) error {
	for _, dep := range r.specFor(comp).DependsOn {
		pods := r.predecessorPods(dep)
		if len(pods) == 0 {
			return errdefs.Wrap(errdefs.ErrPredecessorStuck, "%s depends on %s, which has no instance", comp, dep)
		}
		err := r.m.poll(ctx, r.m.cfg.PredecessorTimeout, func(ctx context.Context) (bool, error) {
			for _, name := range pods {
				pod, err := r.m.kube.GetPod(ctx, r.namespace, name)
				if err != nil || !kube.PodIsReady(pod) {
					continue
				}
				node, err := r.m.kube.GetNode(ctx, pod.Spec.NodeName)
				if err == nil && kube.NodeIsReady(node) {
					return true, nil
				}
			}
			return false, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errdefs.Wrap(errdefs.ErrPredecessorStuck, "%s waited %s for %s", comp, r.m.cfg.PredecessorTimeout, dep)
		}
	}
	return nil
}

// predecessorPods lists ACTIVE pods of comp plus the ones this plan created
func (r *run) predecessorPods(comp string) []string {
	cr, ok := r.rt.Components[comp]
	if !ok {
		return nil
	}
	created := make(map[string]bool, len(r.created))
	for _, name := range r.created {
		created[name] = true
	}
	var pods []string
	for _, h := range cr.Hosts {
		if h.PodName != "" && (h.Status == types.StatusActive || created[h.PodName]) {
			pods = append(pods, h.PodName)
		}
	}
	return pods
}

func (r *run) waitReady(ctx context.Context, name string) error {
	err := r.m.poll(ctx, r.m.cfg.ReadyTimeout, func(ctx context.Context) (bool, error) {
		pod, err := r.m.kube.GetPod(ctx, r.namespace, name)
		if apierrors.IsNotFound(err) {
			return false, errdefs.Wrap(errdefs.ErrPodNeverReady, "pod %s disappeared", name)
		}
		if err != nil {
			return false, err
		}
		if kube.PodFailed(pod) {
			return false, errdefs.Wrap(errdefs.ErrPodNeverReady, "pod %s failed", name)
		}
		return kube.PodIsReady(pod), nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if wait.Interrupted(err) {
		return errdefs.Wrap(errdefs.ErrPodNeverReady, "pod %s not ready after %s", name, r.m.cfg.ReadyTimeout)
	}
	return err
}

// teardown deletes the pods of INACTIVE hosts and waits until each is gone or
// its node left Ready
func (r *run) teardown(ctx context.Context) error {
	for _, s := range r.stops {
		if s.pod != "" {
			if err := r.m.kube.DeletePod(ctx, r.namespace, s.pod); err != nil {
				return fmt.Errorf("failed to delete pod %s: %w", s.pod, err)
			}
			metrics.PodsDeleted.Inc()
			if err := r.waitGone(ctx, s.pod, s.host); err != nil {
				return err
			}
			r.logger.Info().Str("pod", s.pod).Str("node", s.host).Msg("Pod deleted")
		}
	}

	for _, cr := range r.rt.Components {
		hosts := cr.Hosts[:0]
		for _, h := range cr.Hosts {
			if h.Status != types.StatusInactive {
				hosts = append(hosts, h)
			}
		}
		cr.Hosts = hosts
		manifests := cr.PodManifests[:0]
		for _, m := range cr.PodManifests {
			if m.Status != types.StatusInactive {
				manifests = append(manifests, m)
			}
		}
		cr.PodManifests = manifests
	}
	return nil
}

func (r *run) waitGone(ctx context.Context, pod, host string) error {
	err := r.m.poll(ctx, r.m.cfg.TeardownTimeout, func(ctx context.Context) (bool, error) {
		_, err := r.m.kube.GetPod(ctx, r.namespace, pod)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		node, err := r.m.kube.GetNode(ctx, host)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return err == nil && !kube.NodeIsReady(node), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.Wrap(errdefs.ErrTransientAPI, "pod %s still present after %s", pod, r.m.cfg.TeardownTimeout)
	}
	return nil
}

// finish folds templates, specs and placement into the runtime and builds the
// PlanDict
func (r *run) finish() {
	if r.appSpec != nil {
		r.rt.Spec = *r.appSpec
		for i := range r.appSpec.Components {
			r.specs[r.appSpec.Components[i].Name] = &r.appSpec.Components[i]
		}
	}
	for name, spec := range r.specs {
		cr := r.rt.Components[name]
		cr.Spec = *spec.DeepCopy()
		for i := range r.rt.Spec.Components {
			if r.rt.Spec.Components[i].Name == name {
				r.rt.Spec.Components[i] = *spec.DeepCopy()
			}
		}
	}
	for name, tpl := range r.templates {
		cr := r.rt.Components[name]
		cr.PodTemplate = tpl.Pod
		cr.Requests = tpl.Requests
		cr.Limits = tpl.Limits
	}
	for _, cr := range r.rt.Components {
		cr.Placement = r.placementOf(cr)
	}
	if r.rt.PlanStatus == nil {
		r.rt.PlanStatus = make(map[string]types.PlanStatus)
	}
	r.rt.PlanStatus[r.plan.UID] = types.PlanCompleted

	for _, s := range r.starts {
		event := types.PodEventComponentPlaced
		switch {
		case s.replaces != "":
			event = types.PodEventModified
		case r.plan.Initial:
			event = types.PodEventAdded
		}
		r.dict.Add(s.comp, s.pod, types.PodChange{
			NodeName: s.host,
			Event:    event,
			CompSpec: r.rt.Components[s.comp].Spec.DeepCopy(),
			PodSpec:  s.manifest.Pod.DeepCopy(),
			Replaces: s.replaces,
		})
	}
	replaced := make(map[string]bool)
	for _, s := range r.starts {
		if s.replaces != "" {
			replaced[s.replaces] = true
		}
	}
	for _, s := range r.stops {
		if s.pod == "" || replaced[s.pod] {
			continue
		}
		r.dict.Add(s.comp, s.pod, types.PodChange{
			NodeName: s.host,
			Event:    types.PodEventComponentRemoved,
			CompSpec: r.rt.Components[s.comp].Spec.DeepCopy(),
		})
	}
}

// placementOf is the union of the declared layers and the layers of the
// component's ACTIVE hosts
func (r *run) placementOf(cr *types.ComponentRuntime) []types.Layer {
	seen := make(map[types.Layer]bool)
	var out []types.Layer
	add := func(l types.Layer) {
		if l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	if cr.Spec.NodePlacement != nil {
		for _, l := range cr.Spec.NodePlacement.ContinuumLayer {
			add(l)
		}
	}
	for _, h := range cr.ActiveHosts() {
		if node, ok := r.m.reg.Node(h); ok {
			add(node.EffectiveLayer())
		}
	}
	return out
}

// rollback deletes every pod created for the plan. The registry was never
// written, so it still holds the pre-plan runtime.
func (r *run) rollback(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.cfg.RollbackTimeout)
	defer cancel()

	pods := make(map[string]bool, len(r.created))
	for _, name := range r.created {
		pods[name] = true
	}
	labelled, err := r.m.kube.FindPods(ctx, r.namespace, map[string]string{types.LabelPlanUID: r.plan.UID})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list pods of plan for rollback")
	}
	for _, p := range labelled {
		pods[p.Name] = true
	}

	for name := range pods {
		if err := r.m.kube.DeletePod(ctx, r.namespace, name); err != nil {
			r.logger.Warn().Err(err).Str("pod", name).Msg("Rollback failed to delete pod")
			continue
		}
		metrics.PodsDeleted.Inc()
	}
	r.logger.Warn().Int("pods", len(pods)).Msg("Plan rolled back")
}

func (r *run) specFor(comp string) *types.ComponentSpec {
	if s, ok := r.specs[comp]; ok {
		return s
	}
	if cr, ok := r.rt.Components[comp]; ok {
		return &cr.Spec
	}
	return nil
}

func (r *run) templateFor(comp string) *registry.ComponentTemplate {
	if _, changed := r.specs[comp]; changed {
		if tpl, ok := r.templates[comp]; ok {
			return tpl
		}
	}
	return currentTemplate(r.rt.Components[comp])
}

func currentTemplate(cr *types.ComponentRuntime) *registry.ComponentTemplate {
	return &registry.ComponentTemplate{Pod: cr.PodTemplate, Requests: cr.Requests, Limits: cr.Limits}
}

// targetOf returns the host an action places a new instance on, or "" for
// removals
func targetOf(a types.Action) string {
	switch a.Kind {
	case types.ActionDeploy:
		return a.Host
	case types.ActionMove:
		return a.TargetHost
	case types.ActionChangeSpec:
		if a.TargetHost != "" {
			return a.TargetHost
		}
		return a.Host
	}
	return ""
}

func hostEntry(cr *types.ComponentRuntime, host string, status types.InstanceStatus) (int, bool) {
	for i, h := range cr.Hosts {
		if h.Host == host && h.Status == status {
			return i, true
		}
	}
	return -1, false
}

func (m *Mechanism) poll(ctx context.Context, timeout time.Duration, cond wait.ConditionWithContextFunc) error {
	return wait.PollUntilContextTimeout(ctx, m.cfg.PollInterval, timeout, true, cond)
}

// Remove tears down every pod and Service of an app and drops it from the
// registry. The returned PlanDict lists the removed pods by node so owners
// can be told.
func (m *Mechanism) Remove(ctx context.Context, app string) (types.PlanDict, error) {
	rt, err := m.reg.RemoveApp(ctx, app)
	if rt == nil {
		return nil, err
	}

	dict := make(types.PlanDict)
	for name, cr := range rt.Components {
		for _, h := range cr.Hosts {
			if h.PodName == "" || h.Status == types.StatusInactive {
				continue
			}
			dict.Add(name, h.PodName, types.PodChange{
				NodeName: h.Host,
				Event:    types.PodEventComponentRemoved,
				CompSpec: cr.Spec.DeepCopy(),
			})
		}
	}
	return dict, err
}
