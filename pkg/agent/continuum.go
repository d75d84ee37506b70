package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/mlsysops/continuum/pkg/config"
	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/types"
	"github.com/mlsysops/continuum/pkg/watcher"
)

// peerLister is implemented by transports that know their attached children
type peerLister interface {
	Peers() []string
}

// Continuum is the continuum-tier agent. It watches MLSysOpsApp resources
// and hands each app to the clusters it is placed on.
type Continuum struct {
	*Agent

	mu       sync.RWMutex
	clusters map[string]*config.Description
}

// NewContinuum builds the continuum agent around actx. actx.Kube is the
// API holding the apps: the Karmada control plane when one is configured.
func NewContinuum(actx *AgentContext) (*Continuum, error) {
	if actx.Kube == nil {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "continuum agent requires a Kubernetes client")
	}
	c := &Continuum{
		Agent:    newAgent(actx),
		clusters: make(map[string]*config.Description),
	}
	cfg := actx.Config

	c.watch(watcher.New(actx.Kube.ResourceSource(kube.AppsGVR, cfg.Namespace), c.sinkFor(appEvents, appPayload)))
	c.onBoot(func(ctx context.Context) error {
		metrics.SetCriticalComponents(metrics.ComponentKubernetes, metrics.ComponentTransport)
		if err := actx.Kube.EnsureNamespace(ctx, cfg.Namespace); err != nil {
			metrics.UpdateComponent(metrics.ComponentKubernetes, false, err.Error())
			return err
		}
		if err := actx.Kube.EnsureCRDs(ctx); err != nil {
			metrics.UpdateComponent(metrics.ComponentKubernetes, false, err.Error())
			return err
		}
		metrics.UpdateComponent(metrics.ComponentKubernetes, true, "")
		return nil
	})

	c.Handle(c.handleApp, events.AppCreated, events.AppUpdated, events.AppDeleted)
	c.Handle(c.handleClusterDescription,
		events.ClusterSystemDescriptionSubmitted,
		events.ClusterSystemDescriptionUpdated,
		events.ClusterSystemDescriptionRemoved,
	)
	c.Handle(c.handlePlanExecuted, events.PlanExecuted)
	return c, nil
}

// Clusters returns the known clusters: those that sent a description and
// those attached to the transport, sorted by name
func (c *Continuum) Clusters() []string {
	seen := make(map[string]bool)
	c.mu.RLock()
	for name := range c.clusters {
		seen[name] = true
	}
	c.mu.RUnlock()
	if pl, ok := c.actx.Transport.(peerLister); ok {
		for _, p := range pl.Peers() {
			seen[p] = true
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Description returns the last description cluster submitted
func (c *Continuum) Description(cluster string) (*config.Description, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.clusters[cluster]
	return d, ok
}

func (c *Continuum) targets(spec *types.AppSpec) []string {
	if len(spec.ClusterPlacement) > 0 {
		return spec.ClusterPlacement
	}
	return c.Clusters()
}

// handleApp forwards an app change to its clusters: APP_SUBMIT for a
// created or updated app, APP_REMOVED for a deleted one
func (c *Continuum) handleApp(ctx context.Context, msg *events.Message) error {
	var spec types.AppSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	event := events.AppSubmit
	if msg.Event == events.AppDeleted {
		event = events.AppRemoved
	}

	clusters := c.targets(&spec)
	if len(clusters) == 0 {
		c.logger.Warn().Str("app", spec.Name).Msg("No cluster to place app on")
		return nil
	}
	for _, cluster := range clusters {
		if err := c.SendToCluster(ctx, cluster, event, &spec); err != nil {
			return err
		}
	}
	c.logger.Info().Str("app", spec.Name).Str("event", string(event)).Strs("clusters", clusters).Msg("App forwarded")
	return nil
}

func (c *Continuum) handleClusterDescription(_ context.Context, msg *events.Message) error {
	var desc config.Description
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&desc); err != nil {
			return err
		}
	}
	if desc.Name == "" {
		desc.Name = msg.From
	}
	if desc.Name == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "cluster description without name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Event == events.ClusterSystemDescriptionRemoved {
		delete(c.clusters, desc.Name)
		c.logger.Info().Str("cluster", desc.Name).Msg("Cluster left")
		return nil
	}
	c.clusters[desc.Name] = &desc
	c.logger.Info().Str("cluster", desc.Name).Str("layer", string(desc.Layer)).Msg("Cluster description recorded")
	return nil
}

func (c *Continuum) handlePlanExecuted(_ context.Context, msg *events.Message) error {
	c.actx.Broker.Publish(msg)
	return nil
}
