/*
Package types defines the data model shared by the continuum, cluster and
node agents.

# Declarative model

  - AppSpec: an application description (components, interactions,
    cluster placement, global satisfaction target)
  - ComponentSpec: one deployable unit (containers, node placement,
    QoS metrics, dependsOn)

Specs are immutable once ingested; changes arrive as a new AppSpec and are
diffed by the registry.

# Runtime model

  - AppRuntime / ComponentRuntime: the cluster agent's mutable view (pod
    template, manifests, host entries, Service VIP, current plan)
  - NodeRecord / PodRecord: projections of Kubernetes nodes and pods
  - NodeProjection: the slice of runtime a node agent mirrors

A component instance moves through the host-entry states:

	(none) --manifest built--> PENDING --created and ready--> ACTIVE
	ACTIVE --marked for teardown--> INACTIVE --pod gone--> (removed)

# Plans

A Plan maps component names to actions (deploy, remove, move, change_spec).
ParsePlan enforces at most one action per (component, host) pair and strips
the initial_plan marker. SortActions applies the fixed tie-break order
change_spec, deploy, move, remove.

PlanDict is the per-component, per-pod outcome of a plan, used to notify the
node agents that own the affected pods. TaskLogEntry tracks a plan's status
at every tier.
*/
package types
