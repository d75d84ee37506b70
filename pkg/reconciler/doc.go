/*
Package reconciler cleans up after the cluster agent.

Every interval (10 seconds by default) it runs one cycle:

	┌──────────────────────────────────────────────┐
	│              Reconciliation Loop             │
	└──────┬───────────────┬───────────────┬───────┘
	       ▼               ▼               ▼
	  orphan pods     proxy plans      task log
	  (delete)        (expire)         (prune)

# Orphan Pods

A pod labelled mlsysops.eu/app is deleted when its app is no longer
registered, or when its name is missing from the app's pod index. The
second case covers pods left behind by a rollback whose teardown failed.

Pods are skipped when they are:
  - telemetry collectors (mlsysops.eu/collector)
  - younger than MinPodAge
  - created by a plan the cluster tier has not finished; the mechanism
    commits a plan's pods to the index only when the plan completes

# Usage

	rec := reconciler.NewReconciler(reconciler.Config{Namespace: ns}, kc, reg, tasks, proxies)
	g.Go(func() error { return rec.Run(ctx) })
*/
package reconciler
