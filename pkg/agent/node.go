package agent

import (
	"context"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/metrics"
	"github.com/mlsysops/continuum/pkg/nodeagent"
	"github.com/mlsysops/continuum/pkg/policy"
	"github.com/mlsysops/continuum/pkg/policy/builtin"
	"github.com/mlsysops/continuum/pkg/telemetry"
	"github.com/mlsysops/continuum/pkg/types"
)

// type check: the node mechanism is a Mechanism
var _ Mechanism = &nodeagent.Node{}

// Node is the node-tier agent
type Node struct {
	*Agent

	node     *nodeagent.Node
	catalog  *policy.Catalog
	policies *policy.Controller
}

// NodeOption configures a node agent
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	configurator nodeagent.Configurator
	reconnects   <-chan struct{}
}

// WithConfigurator replaces the sysfs CPU frequency configurator
func WithConfigurator(c nodeagent.Configurator) NodeOption {
	return func(o *nodeOptions) { o.configurator = c }
}

// WithReconnects makes the agent ask for a state sync whenever ch fires
func WithReconnects(ch <-chan struct{}) NodeOption {
	return func(o *nodeOptions) { o.reconnects = ch }
}

// NewNode builds the node agent around actx. The parent cluster is
// actx.Config.Parent.
func NewNode(actx *AgentContext, opts ...NodeOption) (*Node, error) {
	cfg := actx.Config
	if cfg.Parent == "" {
		return nil, errdefs.Wrap(errdefs.ErrFatalConfig, "node agent %s has no cluster", cfg.Name)
	}
	o := nodeOptions{configurator: nodeagent.NewCPUFreq("")}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		Agent:   newAgent(actx),
		catalog: policy.NewCatalog(cfg.PolicyDir, types.TierNode),
	}
	for _, d := range builtin.Defaults(types.TierNode) {
		if err := n.catalog.Add(d); err != nil {
			return nil, err
		}
	}
	n.node = nodeagent.New(nodeagent.Config{NodeName: cfg.Name, Cluster: cfg.Parent}, n, actx.Tasks, o.configurator)
	tel := telemetry.New(telemetry.Config{
		Endpoint:        cfg.Telemetry.Endpoint,
		DefaultInterval: cfg.Telemetry.ExportInterval,
	}, nil, n.node)
	n.policies = policy.NewController(policy.Config{
		Tier:       types.TierNode,
		Origin:     types.OriginNodeProxy,
		OriginNode: cfg.Name,
		Period:     cfg.Policy.Period,
	}, n.catalog, n.node, tel, n.node, actx.Tasks)
	n.node.SetPolicies(n.policies)

	n.service("policy-catalog", func(ctx context.Context) error {
		return n.catalog.Watch(ctx, n.policies.Reload)
	})
	if o.reconnects != nil {
		n.service("resync", func(ctx context.Context) error {
			return n.resync(ctx, o.reconnects)
		})
	}
	n.onBoot(n.boot)
	n.onShutdown(n.policies.Stop)

	var mech Mechanism = n.node
	n.Handle(mech.HandleMessage,
		events.ComponentPlaced,
		events.ComponentUpdated,
		events.ComponentRemoved,
		events.NodeStateSync,
		events.FluidityInternalPlanUpdate,
	)
	return n, nil
}

// Mechanism returns the node mechanism
func (n *Node) Mechanism() *nodeagent.Node {
	return n.node
}

// RequestSync asks the cluster for this node's projection. Transports call
// it after every reconnect.
func (n *Node) RequestSync(ctx context.Context) error {
	return n.node.RequestSync(ctx)
}

func (n *Node) boot(ctx context.Context) error {
	cfg := n.actx.Config
	metrics.SetCriticalComponents(metrics.ComponentTransport)
	if err := n.catalog.Load(); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to load policy directory")
	}
	if cfg.Description != nil {
		desc := cfg.Description.NodeDescription()
		if desc.Cluster == "" {
			desc.Cluster = cfg.Parent
		}
		if err := n.SendToCluster(ctx, cfg.Parent, events.NodeSystemDescriptionSubmitted, desc); err != nil {
			return err
		}
	}
	return n.RequestSync(ctx)
}

func (n *Node) resync(ctx context.Context, reconnects <-chan struct{}) error {
	for {
		select {
		case <-reconnects:
			if err := n.RequestSync(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn().Err(err).Msg("Failed to request state sync")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
