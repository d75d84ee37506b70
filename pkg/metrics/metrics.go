package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AppsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mlsysops_apps_total",
			Help: "Total number of applications held by this agent",
		},
	)

	ComponentInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mlsysops_component_instances",
			Help: "Component instances by host entry status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mlsysops_nodes_total",
			Help: "Total number of known nodes by layer and readiness",
		},
		[]string{"layer", "ready"},
	)

	// Plan metrics
	PlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_plans_total",
			Help: "Total number of plans applied by origin and status",
		},
		[]string{"origin", "status"},
	)

	PlanFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_plan_failures_total",
			Help: "Total number of failed plans by error kind",
		},
		[]string{"reason"},
	)

	PlanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlsysops_plan_duration_seconds",
			Help:    "Time taken to apply a plan in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"origin"},
	)

	AppPlans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_app_plans_total",
			Help: "Total number of plans applied per application by status",
		},
		[]string{"app", "status"},
	)

	PodsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsysops_pods_created_total",
			Help: "Total number of pods created by the mechanism",
		},
	)

	PodsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsysops_pods_deleted_total",
			Help: "Total number of pods deleted by the mechanism",
		},
	)

	// Policy metrics
	PolicyAnalyzeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlsysops_policy_analyze_duration_seconds",
			Help:    "Time spent in one analyze cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy"},
	)

	PolicyReplans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_policy_replans_total",
			Help: "Total number of plans proposed by policies per application",
		},
		[]string{"app", "policy"},
	)

	// Watcher metrics
	WatcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_watcher_events_total",
			Help: "Total number of watch events emitted by resource kind and operation",
		},
		[]string{"kind", "op"},
	)

	WatcherRelists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_watcher_relists_total",
			Help: "Total number of full re-lists by resource kind",
		},
		[]string{"kind"},
	)

	// Message bus metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mlsysops_queue_depth",
			Help: "Number of messages waiting in an agent queue",
		},
		[]string{"queue"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_messages_total",
			Help: "Total number of messages handled by direction and event",
		},
		[]string{"direction", "event"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_messages_dropped_total",
			Help: "Total number of messages dropped by reason",
		},
		[]string{"reason"},
	)

	ProxyPlansPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mlsysops_proxy_plans_pending",
			Help: "Proxy plans awaiting completion",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mlsysops_reconciliation_duration_seconds",
			Help:    "Time taken for reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsysops_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	OrphanPodsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsysops_orphan_pods_deleted_total",
			Help: "Pods deleted by the reconciler",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(AppsTotal)
	prometheus.MustRegister(ComponentInstances)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PlansTotal)
	prometheus.MustRegister(PlanFailures)
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(AppPlans)
	prometheus.MustRegister(PodsCreated)
	prometheus.MustRegister(PodsDeleted)
	prometheus.MustRegister(PolicyAnalyzeDuration)
	prometheus.MustRegister(PolicyReplans)
	prometheus.MustRegister(WatcherEvents)
	prometheus.MustRegister(WatcherRelists)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(ProxyPlansPending)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(OrphanPodsDeleted)
	prometheus.MustRegister(ComponentHealthy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
