/*
Package agent runs the three MLSysOps agents: continuum, cluster and node.

Every tier shares the same runtime. Messages from the transport and from
Kubernetes watchers land on one inbound queue and are handled one at a time
by the handler registered for their event; replies go out through the
outbound queue in the order they were sent:

	transport ──receive──▶ inbound ──dispatch──▶ handler
	watchers  ──sink─────▶    ▲                    │
	                          │                    ▼
	                          │                 outbound ──send──▶ transport
	                          │
	                    one message at a time

# Tiers

The continuum agent watches MLSysOpsApp resources and forwards each app to
the clusters it is placed on. The cluster agent owns the registry, runs the
cluster policies and executes their plans through the scheduler. The node
agent keeps its projection of the components it hosts, runs node policies
and proxies their plans to its cluster.

# Usage

	actx, err := agent.NewContext(cfg, tr, kc, store)
	if err != nil {
		return err
	}
	c, err := agent.NewCluster(actx)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
*/
package agent
