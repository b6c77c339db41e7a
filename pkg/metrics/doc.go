/*
Package metrics provides Prometheus metrics collection and exposition for
Billet.

The metrics package defines and registers every Billet metric with the
Prometheus client library, providing observability into fleet state,
placement behavior, coordination health, and API performance. Metrics
are exposed on the ops listener's /metrics endpoint for scraping.

# Architecture

All metrics live in one package-level block, registered at init, and are
written from two directions: counters and histograms at the point of
action, observed gauges by a periodic collector:

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │           Write Paths                       │          │
	│  │                                             │          │
	│  │  At the action:                             │          │
	│  │    api         requests, duration           │          │
	│  │    events      subscribers, drops           │          │
	│  │    scheduler   passes, placements, retries  │          │
	│  │    reconciler  cycles, errors, quarantines  │          │
	│  │    ports       leases per worker            │          │
	│  │    cloud       provider calls by outcome    │          │
	│  │                                             │          │
	│  │  Observed on a 15s cadence (pkg/manager     │          │
	│  │  MetricsCollector):                         │          │
	│  │    fleet totals by state/status/license     │          │
	│  │    per-worker utilization                   │          │
	│  │    raft role, peers, applied index          │          │
	│  │    store revision                           │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics (ops listener)            │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └─────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────┘

# Metric Catalog

Fleet:

	billet_workers_total{status,license}     workers by status and license kind
	billet_instances_total{state}            instances by lifecycle state
	billet_definitions_total                 registered definition versions
	billet_worker_utilization_ratio{worker_id}  max-dimension utilization
	billet_ports_leased_total{worker_id}     leased lab ports per worker

Coordination:

	billet_raft_is_leader                    1 on the raft leader
	billet_raft_peers_total                  raft configuration size
	billet_raft_applied_index                last applied log index
	billet_leader_elections_total{role,outcome}  lease election outcomes
	billet_store_revision                    coordination store revision

API:

	billet_api_requests_total{method,status} requests by route and status
	billet_api_request_duration_seconds{method}  latency histogram
	billet_event_subscribers                 connected stream subscribers
	billet_events_dropped_total              events dropped on full queues

Scheduler:

	billet_scheduling_latency_seconds        per-pass latency histogram
	billet_instances_scheduled_total         committed placements
	billet_scheduling_conflicts_total        placements retried on races
	billet_scale_up_requests_total           capacity demands raised

Reconciler:

	billet_reconcile_duration_seconds        per-cycle latency histogram
	billet_reconcile_errors_total            failed corrective actions
	billet_workers_quarantined_total         workers terminated as unhealthy
	billet_cloud_api_calls_total{operation,outcome}  provider call outcomes

# Usage

Incrementing at the point of action:

	metrics.InstancesScheduled.Inc()
	metrics.APIRequestsTotal.WithLabelValues("POST /v1/instances", "201").Inc()

Observing a duration:

	started := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

Exposing the endpoint (done by the ops server):

	mux.Handle("GET /metrics", metrics.Handler())

# Alerting Starters

	- billet_raft_is_leader absent across all nodes: no leader
	- rate(billet_events_dropped_total[5m]) > 0: a stream consumer is stuck
	- billet_instances_total{state="pending"} growing while
	  billet_scale_up_requests_total is flat: placement wedged
	- rate(billet_cloud_api_calls_total{outcome="error"}[15m]): provider trouble

# See Also

	pkg/manager - MetricsCollector refreshing the observed gauges
	pkg/api     - request instrumentation and the ops listener
*/
package metrics
