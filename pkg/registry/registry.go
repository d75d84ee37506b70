package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/storage"
	"github.com/mlsysops/continuum/pkg/types"
)

// ComponentTemplate is the derived pod and aggregated resources of one component
type ComponentTemplate struct {
	Pod      *corev1.Pod
	Requests corev1.ResourceList
	Limits   corev1.ResourceList
}

// Config holds registry settings
type Config struct {
	Namespace string
	ClusterID string
}

// Registry is the authoritative table of apps, nodes and pods of a cluster
// agent. Readers get deep copies; the mechanism commits whole runtimes.
type Registry struct {
	cfg    Config
	kube   kube.Client
	store  storage.Store
	logger zerolog.Logger

	mu           sync.RWMutex
	apps         map[string]*types.AppRuntime
	nodes        map[string]*types.NodeRecord
	descriptions map[string]*types.NodeDescription
	pods         map[string]*types.PodRecord
}

// New creates a registry. store may be nil.
func New(cfg Config, kc kube.Client, store storage.Store) *Registry {
	return &Registry{
		cfg:          cfg,
		kube:         kc,
		store:        store,
		logger:       log.WithComponent("registry"),
		apps:         make(map[string]*types.AppRuntime),
		nodes:        make(map[string]*types.NodeRecord),
		descriptions: make(map[string]*types.NodeDescription),
		pods:         make(map[string]*types.PodRecord),
	}
}

// Namespace returns the namespace pods and services live in
func (r *Registry) Namespace() string {
	return r.cfg.Namespace
}

// IngestApp builds the runtime of a new app. Services of egress targets are
// created first so their VIPs are in every dependent pod template before
// anything is scheduled.
func (r *Registry) IngestApp(ctx context.Context, spec *types.AppSpec) (*types.AppRuntime, error) {
	r.mu.RLock()
	_, exists := r.apps[spec.Name]
	r.mu.RUnlock()
	if exists {
		return nil, errdefs.Wrap(errdefs.ErrDuplicateName, "app %s already exists", spec.Name)
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	spec = spec.DeepCopy()
	r.restoreIdentity(spec)
	if spec.UID == "" {
		spec.UID = uuid.NewString()
	}
	for i := range spec.Components {
		if spec.Components[i].UID == "" {
			spec.Components[i].UID = uuid.NewString()
		}
	}
	logger := log.WithApp(spec.Name)

	// Pass 1: services and VIPs
	rt := &types.AppRuntime{
		Spec:       *spec,
		Components: make(map[string]*types.ComponentRuntime, len(spec.Components)),
		CurrPlan:   make(map[string][]types.HostEntry),
		PlanStatus: make(map[string]types.PlanStatus),
	}
	var created []string
	for i := range spec.Components {
		comp := &spec.Components[i]
		cr := &types.ComponentRuntime{
			Name:      comp.Name,
			UID:       comp.UID,
			Spec:      *comp.DeepCopy(),
			ClusterID: r.cfg.ClusterID,
		}
		if comp.NodePlacement != nil {
			cr.Placement = append([]types.Layer(nil), comp.NodePlacement.ContinuumLayer...)
		}
		rt.Components[comp.Name] = cr

		if !spec.IsEgressTarget(comp.Name) {
			continue
		}
		svc, addr, err := r.ensureService(ctx, spec, comp)
		if err != nil {
			r.deleteServices(ctx, created)
			return nil, err
		}
		created = append(created, svc.Name)
		cr.SvcManifest = svc
		cr.SvcVIP = addr.VIP
		cr.SvcPort = addr.Port
		logger.Info().Str("component", comp.Name).Str("vip", addr.String()).Msg("Service ready")
	}

	// Pass 2: pod templates
	templates, err := Templates(spec, rt, r.cfg.Namespace)
	if err != nil {
		r.deleteServices(ctx, created)
		return nil, err
	}
	for name, tpl := range templates {
		cr := rt.Components[name]
		cr.PodTemplate = tpl.Pod
		cr.Requests = tpl.Requests
		cr.Limits = tpl.Limits
	}

	r.mu.Lock()
	if _, ok := r.apps[spec.Name]; ok {
		r.mu.Unlock()
		r.deleteServices(ctx, created)
		return nil, errdefs.Wrap(errdefs.ErrDuplicateName, "app %s already exists", spec.Name)
	}
	r.apps[spec.Name] = rt
	r.mu.Unlock()

	r.persist(spec)
	logger.Info().Int("components", len(spec.Components)).Msg("App ingested")
	return rt.DeepCopy(), nil
}

// Templates derives the canonical pod template of every component of spec,
// using the service addresses already captured in rt
func Templates(spec *types.AppSpec, rt *types.AppRuntime, namespace string) (map[string]*ComponentTemplate, error) {
	services := make(map[string]ServiceAddr)
	for name, cr := range rt.Components {
		if cr.SvcVIP != "" {
			services[name] = ServiceAddr{VIP: cr.SvcVIP, Port: cr.SvcPort}
		}
	}

	out := make(map[string]*ComponentTemplate, len(spec.Components))
	for i := range spec.Components {
		comp := &spec.Components[i]
		pod, req, lim, err := BuildPodTemplate(spec, comp, services, namespace)
		if err != nil {
			return nil, err
		}
		out[comp.Name] = &ComponentTemplate{Pod: pod, Requests: req, Limits: lim}
	}
	return out, nil
}

func (r *Registry) ensureService(ctx context.Context, spec *types.AppSpec, comp *types.ComponentSpec) (*corev1.Service, ServiceAddr, error) {
	svc, err := BuildService(spec, comp, r.cfg.Namespace)
	if err != nil {
		return nil, ServiceAddr{}, err
	}

	got, err := r.kube.CreateService(ctx, r.cfg.Namespace, svc)
	if apierrors.IsAlreadyExists(err) {
		got, err = r.kube.GetService(ctx, r.cfg.Namespace, svc.Name)
		if err == nil && got.Labels[types.LabelApp] != spec.Name {
			return nil, ServiceAddr{}, errdefs.Wrap(errdefs.ErrDuplicateName, "service %s belongs to app %s", svc.Name, got.Labels[types.LabelApp])
		}
	}
	if err != nil {
		return nil, ServiceAddr{}, fmt.Errorf("failed to create service %s: %w", svc.Name, err)
	}

	if got.Spec.ClusterIP == "" {
		if fresh, err := r.kube.GetService(ctx, r.cfg.Namespace, svc.Name); err == nil {
			got = fresh
		}
	}
	addr := ServiceAddr{VIP: got.Spec.ClusterIP, Port: svc.Spec.Ports[0].Port}
	if addr.VIP == "" || addr.VIP == corev1.ClusterIPNone {
		addr.VIP = fmt.Sprintf("%s.%s.svc", svc.Name, r.cfg.Namespace)
	}
	return got, addr, nil
}

func (r *Registry) deleteServices(ctx context.Context, names []string) {
	for _, name := range names {
		if err := r.kube.DeleteService(ctx, r.cfg.Namespace, name); err != nil {
			r.logger.Warn().Err(err).Str("service", name).Msg("Failed to delete service")
		}
	}
}

// UpdateApp checks spec against the current one and returns the
// description-modified plan that applies it. The registry keeps the old spec
// until the mechanism commits.
func (r *Registry) UpdateApp(spec *types.AppSpec) (*types.Plan, error) {
	r.mu.RLock()
	rt, ok := r.apps[spec.Name]
	var old *types.AppSpec
	if ok {
		old = rt.Spec.DeepCopy()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "app %s", spec.Name)
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if err := checkMutation(old, spec); err != nil {
		return nil, err
	}

	updated := spec.DeepCopy()
	updated.UID = old.UID
	for i := range updated.Components {
		updated.Components[i].UID = old.Components[i].UID
	}

	return &types.Plan{
		UID:     uuid.NewString(),
		AppName: spec.Name,
		Origin:  types.OriginDescriptionModified,
		Actions: types.DeploymentPlan{},
		OldSpec: old,
		NewSpec: updated,
	}, nil
}

// Commit replaces the runtime of an app with rt, which the mechanism built
// from a snapshot. It fails when the app was removed in the meantime.
func (r *Registry) Commit(rt *types.AppRuntime) error {
	next := rt.DeepCopy()
	next.RefreshCurrPlan()

	r.mu.Lock()
	if _, ok := r.apps[next.Spec.Name]; !ok {
		r.mu.Unlock()
		return errdefs.Wrap(errdefs.ErrNotFound, "app %s", next.Spec.Name)
	}
	r.apps[next.Spec.Name] = next
	r.mu.Unlock()

	r.persist(&next.Spec)
	return nil
}

// SetPlanStatus records the status of a plan on the app runtime
func (r *Registry) SetPlanStatus(app, planUID string, status types.PlanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.apps[app]; ok {
		if rt.PlanStatus == nil {
			rt.PlanStatus = make(map[string]types.PlanStatus)
		}
		rt.PlanStatus[planUID] = status
	}
}

// MarkMonitorStarted flips monitorStarted once the app's policies run
func (r *Registry) MarkMonitorStarted(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.apps[app]; ok {
		rt.MonitorStarted = true
	}
}

// RemoveApp deletes every pod and service of the app and drops it from the
// table. It returns the last runtime so callers can notify owning nodes.
func (r *Registry) RemoveApp(ctx context.Context, name string) (*types.AppRuntime, error) {
	r.mu.RLock()
	rt, ok := r.apps[name]
	if ok {
		rt = rt.DeepCopy()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "app %s", name)
	}
	logger := log.WithApp(name)

	pods := make(map[string]bool)
	for _, cr := range rt.Components {
		for _, m := range cr.PodManifests {
			if m.Pod != nil {
				pods[m.Pod.Name] = true
			}
		}
	}
	labelled, err := r.kube.FindPods(ctx, r.cfg.Namespace, map[string]string{types.LabelApp: name})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list app pods")
	}
	for _, p := range labelled {
		pods[p.Name] = true
	}

	var firstErr error
	for pod := range pods {
		if err := r.kube.DeletePod(ctx, r.cfg.Namespace, pod); err != nil {
			logger.Warn().Err(err).Str("pod", pod).Msg("Failed to delete pod")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.PodsDeleted.Inc()
	}
	for _, cr := range rt.Components {
		if cr.SvcManifest == nil {
			continue
		}
		if err := r.kube.DeleteService(ctx, r.cfg.Namespace, cr.SvcManifest.Name); err != nil {
			logger.Warn().Err(err).Str("service", cr.SvcManifest.Name).Msg("Failed to delete service")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	r.mu.Lock()
	delete(r.apps, name)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteApp(name); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete stored spec")
		}
	}
	logger.Info().Int("pods", len(pods)).Msg("App removed")
	return rt, firstErr
}

// Snapshot returns a deep copy of the app runtime
func (r *Registry) Snapshot(name string) (*types.AppRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.apps[name]
	if !ok {
		return nil, false
	}
	return rt.DeepCopy(), true
}

// Apps returns the names of all apps, sorted
func (r *Registry) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the app is known
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[name]
	return ok
}

// restoreIdentity gives spec the app and component UIDs persisted for the
// same app, so an agent restart keeps the identity its pods are labelled with
func (r *Registry) restoreIdentity(spec *types.AppSpec) {
	if r.store == nil || spec.UID != "" {
		return
	}
	stored, err := r.store.GetApp(spec.Name)
	if err != nil {
		return
	}
	spec.UID = stored.UID
	uids := make(map[string]string, len(stored.Components))
	for _, c := range stored.Components {
		uids[c.Name] = c.UID
	}
	for i := range spec.Components {
		if spec.Components[i].UID == "" {
			spec.Components[i].UID = uids[spec.Components[i].Name]
		}
	}
}

// PruneStored drops persisted specs of apps the registry does not hold and
// returns their names. Called once the app list is synced, it forgets apps
// deleted while the agent was down.
func (r *Registry) PruneStored() ([]string, error) {
	if r.store == nil {
		return nil, nil
	}
	stored, err := r.store.ListApps()
	if err != nil {
		return nil, fmt.Errorf("failed to list stored apps: %w", err)
	}
	var pruned []string
	for _, spec := range stored {
		if r.Has(spec.Name) {
			continue
		}
		if err := r.store.DeleteApp(spec.Name); err != nil {
			return pruned, fmt.Errorf("failed to delete stored app %s: %w", spec.Name, err)
		}
		pruned = append(pruned, spec.Name)
	}
	sort.Strings(pruned)
	return pruned, nil
}

// Adopt attaches running pods labelled with the app to its runtime, so an
// agent restart does not redeploy. It returns the number of adopted pods.
func (r *Registry) Adopt(ctx context.Context, name string) (int, error) {
	pods, err := r.kube.FindPods(ctx, r.cfg.Namespace, map[string]string{types.LabelApp: name})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.apps[name]
	if !ok {
		return 0, errdefs.Wrap(errdefs.ErrNotFound, "app %s", name)
	}

	adopted := 0
	for i := range pods {
		pod := &pods[i]
		if pod.DeletionTimestamp != nil || kube.PodFailed(pod) || pod.Spec.NodeName == "" {
			continue
		}
		cr, ok := rt.Components[pod.Labels[types.LabelComponent]]
		if !ok {
			continue
		}
		if _, exists := cr.Manifest(pod.Name); exists {
			continue
		}
		cr.PodManifests = append(cr.PodManifests, &types.PodManifest{
			Pod:     pod.DeepCopy(),
			Status:  types.StatusActive,
			PlanUID: pod.Labels[types.LabelPlanUID],
		})
		cr.Hosts = append(cr.Hosts, types.HostEntry{Host: pod.Spec.NodeName, Status: types.StatusActive, PodName: pod.Name})
		adopted++
	}
	rt.RefreshCurrPlan()
	return adopted, nil
}

// KnowsPod reports whether podName belongs to the pod index of app
func (r *Registry) KnowsPod(app, podName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.apps[app]
	if !ok {
		return false
	}
	for _, cr := range rt.Components {
		if _, ok := cr.Manifest(podName); ok {
			return true
		}
	}
	return false
}

// NodeProjection returns the components with an ACTIVE pod on node
func (r *Registry) NodeProjection(node string) types.NodeProjection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(types.NodeProjection)
	for app, rt := range r.apps {
		for _, comp := range rt.Spec.Components {
			cr, ok := rt.Components[comp.Name]
			if !ok {
				continue
			}
			for _, m := range cr.PodManifests {
				if m.Status != types.StatusActive || m.Pod == nil || m.Pod.Spec.NodeName != node {
					continue
				}
				out[app] = append(out[app], types.ComponentProjection{
					App:       app,
					Component: comp.Name,
					Spec:      cr.Spec.DeepCopy(),
					PodName:   m.Pod.Name,
					Pod:       m.Pod.DeepCopy(),
					PlanUID:   m.PlanUID,
				})
			}
		}
	}
	return out
}

// Stats summarises the registry for the metrics collector
func (r *Registry) Stats() metrics.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := metrics.Stats{Apps: len(r.apps), Instances: make(map[string]int)}
	for _, rt := range r.apps {
		for _, cr := range rt.Components {
			for _, h := range cr.Hosts {
				s.Instances[string(h.Status)]++
			}
		}
	}
	for _, n := range r.nodes {
		s.Nodes = append(s.Nodes, metrics.NodeStat{Layer: string(n.EffectiveLayer()), Ready: n.KubernetesReady})
	}
	return s
}

func (r *Registry) persist(spec *types.AppSpec) {
	if r.store == nil {
		return
	}
	if err := r.store.PutApp(spec); err != nil {
		r.logger.Error().Err(err).Str("app", spec.Name).Msg("Failed to persist app spec")
	}
}

func validateSpec(spec *types.AppSpec) error {
	if spec.Name == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "app without name")
	}
	if len(spec.Components) == 0 {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "app %s has no components", spec.Name)
	}
	names := make(map[string]bool, len(spec.Components))
	for _, c := range spec.Components {
		if names[c.Name] {
			return errdefs.Wrap(errdefs.ErrDuplicateName, "app %s: component %s declared twice", spec.Name, c.Name)
		}
		names[c.Name] = true
		if len(c.Containers) == 0 {
			return errdefs.Wrap(errdefs.ErrValidationFailed, "app %s: component %s has no containers", spec.Name, c.Name)
		}
	}
	for _, c := range spec.Components {
		for _, dep := range c.DependsOn {
			if !names[dep] {
				return errdefs.Wrap(errdefs.ErrValidationFailed, "app %s: %s depends on unknown component %s", spec.Name, c.Name, dep)
			}
		}
	}
	for _, in := range spec.ComponentInteractions {
		if !names[in.Source] || !names[in.Target] {
			return errdefs.Wrap(errdefs.ErrValidationFailed, "app %s: interaction %s->%s names an unknown component", spec.Name, in.Source, in.Target)
		}
	}
	return nil
}
