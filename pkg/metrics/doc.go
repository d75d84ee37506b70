/*
Package metrics exposes the Prometheus metrics and the health table of an
agent.

Metrics are registered on the default registry at init and served by
Handler on /metrics of the agent's health address.

# Metrics

Registry state, refreshed by a Collector:

	mlsysops_apps_total                   gauge
	mlsysops_component_instances{status}  gauge
	mlsysops_nodes_total{layer,ready}     gauge

Plans and policies:

	mlsysops_plans_total{origin,status}               counter
	mlsysops_app_plans_total{app,status}              counter
	mlsysops_plan_failures_total{reason}              counter
	mlsysops_plan_duration_seconds{origin}            histogram
	mlsysops_policy_analyze_duration_seconds{policy}  histogram
	mlsysops_policy_replans_total{app,policy}         counter

Messaging:

	mlsysops_queue_depth{queue}                    gauge
	mlsysops_messages_total{direction,event}       counter
	mlsysops_messages_dropped_total{reason}        counter
	mlsysops_proxy_plans_pending                   gauge
	mlsysops_watcher_events_total{kind,op}         counter
	mlsysops_watcher_relists_total{kind}           counter

Reconciliation:

	mlsysops_reconciliation_cycles_total          counter
	mlsysops_reconciliation_duration_seconds      histogram
	mlsysops_orphan_pods_deleted_total{reason}    counter

# Health

Each subsystem reports itself with UpdateComponent. /health is unhealthy
while any component is; /ready additionally waits for the critical
components a tier declared with SetCriticalComponents:

	metrics.SetCriticalComponents(metrics.ComponentKubernetes, metrics.ComponentTransport)
	metrics.UpdateComponent(metrics.ComponentKubernetes, true, "")

Every report is also exported as mlsysops_component_healthy{component}.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PlanDuration, string(plan.Origin))
*/
package metrics
