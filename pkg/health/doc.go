/*
Package health probes the endpoints an agent depends on.

A Checker performs one check and returns a Result. A Probe wraps a Checker
for readiness endpoints: it tolerates Retries-1 consecutive failures before
reporting the target unhealthy, and ignores failures during StartPeriod.

	probe := health.NewProbe(health.NewParentChecker("cluster-1", "cluster-1:7070"), health.DefaultConfig())
	checks := []api.Check{{Name: "parent", Fn: probe.Check}}

Agents with a parent register such a probe on its gRPC address, so /ready
reports a node that lost its cluster.
*/
package health
