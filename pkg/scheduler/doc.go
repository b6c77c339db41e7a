// Package scheduler assigns pending lablet instances to workers ahead
// of their reserved timeslots and pushes placed instances into
// instantiation once their lead time arrives.
//
// # Overview
//
// The scheduler is a single-leader control loop. Every control plane
// node runs one, but only the node holding the scheduler election
// lease performs passes; the rest stand by and take over when the
// lease lapses. Passes are triggered by a timer tick and kicked early
// by watches on instance and worker records, so a new reservation is
// usually placed within milliseconds of being accepted.
//
//	                 ┌────────────────────────────────┐
//	                 │            Scheduler           │
//	                 │  (leader-elected, one active)  │
//	                 └───────┬──────────────┬─────────┘
//	                 watch /instances  watch /workers
//	                         │              │
//	                         ▼              ▼
//	   ┌──────────────────────────────────────────────────┐
//	   │                     pass                         │
//	   │                                                  │
//	   │  pending ──► timeslot queue ──► filter ──► score │
//	   │                                   │          │   │
//	   │                               rejections   commit│
//	   │                                   │          │   │
//	   │                                scale-up  scheduled
//	   │                                                  │
//	   │  scheduled + lead time reached ──► instantiating │
//	   └──────────────────────────────────────────────────┘
//
// # Placement
//
// Pending instances are drained in timeslot order (earliest start
// first, ties broken by creation time) so the reservations under the
// most time pressure claim capacity first.
//
// For each instance every worker is filtered:
//
//   - worker must be in the running state
//   - worker's license kind must be accepted by the definition
//   - worker's image must belong to the definition's image family
//   - definition's resources must fit the worker's free capacity
//   - worker's node budget must cover the definition's node count
//   - worker must have enough free ports for the port template
//
// Each rejected worker carries a reason, logged at debug level, so an
// unplaceable instance can be diagnosed from the log alone.
//
// Survivors are scored by post-placement utilization and the fullest
// worker wins. Bin-packing concentrates load so lightly used workers
// drain to empty and the reconciler can scale them down. Ties fall to
// the smaller worker id, keeping repeated passes deterministic.
//
// The winning placement commits through the state service, which
// allocates ports and re-checks the worker under compare-and-swap. A
// conflicting update (another instance landed first, worker started
// draining) is retried with fresh reads a few times, then deferred to
// the next pass with the instance still pending.
//
// # Lead time
//
// One window governs the life of a reservation before its timeslot:
//
//	                          lead time
//	                      ├───────────────┤
//	──────────────────────┼───────────────┼──────► time
//	                      │               timeslot start
//	                      └─ scheduled instances transition to
//	                         instantiating (lab build begins)
//
// An unplaceable instance raises a scale-up request for the
// tightest-fitting worker template the moment no eligible worker
// exists, however far out its timeslot is; the request is deduplicated
// in the store so a starved instance does not spam the provisioner on
// every pass. Inside the lead window the scheduler stops waiting and
// starts the build, so the lab is running when the student arrives. A
// reservation created inside the lead window is placed and pushed into
// instantiation in the same pass.
//
// # Leadership
//
// Passes mutate shared state, so only one scheduler may run them. The
// election rides on the lease-backed key store: the leader holds a
// lease-bound election key and renews it at a third of the TTL. If
// the node dies the lease expires, the key is swept away, and a
// standby scheduler wins the vacancy within roughly one TTL. The loop
// itself is stateless between passes; a fresh leader just lists and
// reschedules.
//
// # Usage
//
//	sched := scheduler.New(state, kv, scheduler.Config{
//		NodeID:   "cp-1",
//		Tick:     30 * time.Second,
//		LeadTime: 15 * time.Minute,
//	})
//	go sched.Run(ctx)
//
// Run blocks until the context is cancelled, campaigning and
// re-campaigning as leadership moves around the cluster.
//
// # Monitoring
//
// The scheduler exposes Prometheus metrics:
//
//	billet_scheduling_latency_seconds    histogram of pass duration
//	billet_scheduling_conflicts_total    placements retried after a
//	                                     concurrent worker update
//	billet_scale_up_requests_total       capacity requests raised
package scheduler
