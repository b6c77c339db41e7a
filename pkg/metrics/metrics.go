package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billet_workers_total",
			Help: "Total number of workers by status and license kind",
		},
		[]string{"status", "license"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billet_instances_total",
			Help: "Total number of instances by state",
		},
		[]string{"state"},
	)

	DefinitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "billet_definitions_total",
			Help: "Total number of definition versions registered",
		},
	)

	WorkerUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billet_worker_utilization_ratio",
			Help: "Max-dimension resource utilization per worker",
		},
		[]string{"worker_id"},
	)

	PortsLeased = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billet_ports_leased_total",
			Help: "Number of lab ports leased per worker",
		},
		[]string{"worker_id"},
	)

	// Coordination metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "billet_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "billet_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "billet_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	LeaderElections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billet_leader_elections_total",
			Help: "Leader election outcomes by role",
		},
		[]string{"role", "outcome"},
	)

	StoreRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "billet_store_revision",
			Help: "Current coordination store revision",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billet_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "billet_event_subscribers",
			Help: "Number of connected event stream subscribers",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billet_events_dropped_total",
			Help: "Events dropped because a subscriber queue stayed full",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billet_scheduling_latency_seconds",
			Help:    "Time taken per scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billet_instances_scheduled_total",
			Help: "Total number of instances placed on workers",
		},
	)

	SchedulingConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billet_scheduling_conflicts_total",
			Help: "Placements retried after a concurrent worker update",
		},
	)

	ScaleUpRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billet_scale_up_requests_total",
			Help: "Scale-up requests raised for unplaceable instances",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billet_reconcile_duration_seconds",
			Help:    "Time taken per reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billet_reconcile_errors_total",
			Help: "Reconciliation actions that returned an error",
		},
	)

	WorkersQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billet_workers_quarantined_total",
			Help: "Workers terminated after failing to become healthy",
		},
	)

	CloudAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billet_cloud_api_calls_total",
			Help: "Cloud provider API calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(DefinitionsTotal)
	prometheus.MustRegister(WorkerUtilization)
	prometheus.MustRegister(PortsLeased)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(LeaderElections)
	prometheus.MustRegister(StoreRevision)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(InstancesScheduled)
	prometheus.MustRegister(SchedulingConflicts)
	prometheus.MustRegister(ScaleUpRequests)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(WorkersQuarantined)
	prometheus.MustRegister(CloudAPICalls)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
