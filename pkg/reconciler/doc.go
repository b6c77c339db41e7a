/*
Package reconciler drives observed fleet state toward the booked state.

The controller is the only component that talks to the cloud provider. Each
tick it takes a full snapshot of instances, workers and outstanding capacity
demands, diffs the snapshot against what each record says should be true, and
executes the corrective actions in parallel. It holds no authority of its
own: every decision is re-derived from the snapshot, so a crashed or
restarted controller resumes mid-flight work without handoff.

# Architecture

	┌─────────────────────────────────────────────────────────┐
	│                 Reconciliation Tick                     │
	│                  (every 30 seconds)                     │
	└──────────────────────────┬──────────────────────────────┘
	                           │
	                        observe
	          instances, workers, definitions,
	          templates, scale-ups, lab census
	                           │
	        ┌─────────────┬────┴─────┬──────────────┐
	        ▼             ▼          ▼              ▼
	   diff instances  diff workers  diff demands  diff warm pools
	        │             │          │              │
	        └─────────────┴────┬─────┴──────────────┘
	                           ▼
	                    act (bounded parallelism,
	                     per-action timeout)

Actions never feed back into the same tick. Anything an action changes is
seen by the next observation, which keeps each tick a pure function of the
snapshot it started from.

# Instance Reconciliation

For each instance, ordered by severity:

 1. Assigned worker gone or terminal while scheduled/instantiating:
    release the assignment and return the instance to pending. The
    scheduler will place it again.

 2. Instantiating on a running worker: push the definition artifact to the
    machine. The artifact's port placeholders are rewritten with the leased
    host ports first; the lab import is retried on transient failures, but
    the backend lab id is persisted before any retry so a replay can never
    import twice.

 3. Running: stop when the timeslot ends, when the session cap is
    exceeded, or when the worker stops reporting the lab for three
    consecutive ticks.

 4. Collecting with artifacts recorded: advance to grading. Grading with a
    result recorded: advance to stopping.

 5. Stopping: stop and wipe the backend lab, release ports and capacity,
    land in stopped.

 6. Stopped past the archive window: archive. Archived past the retention
    window: purge the record.

# Worker Reconciliation

At most one action is taken per worker per tick, so a worker's record is
mutated from a single goroutine:

	pending ──launch machine──▶ provisioning ──checks green──▶ running
	   │                             │
	   └──── rejected request ───────┴──▶ terminated (quarantine)

	running ──idle past grace──▶ draining ──empty or deadline──▶ stopping
	                                                                │
	     stopped ◀── provider confirms shutdown ────────────────────┘
	        │
	        └──▶ machine destroyed, record removed

Running workers are polled for utilization and a lab census on the
telemetry interval. A machine that vanishes underneath a running worker
sends it straight to stopping.

Scale-down is refused while a pending booking opens inside the grace
window or while the worker is needed to keep a warm pool at depth.

# Capacity Demands

Scale-up demands raised by the scheduler live in the store keyed by
(template, reason). The controller fulfils each by creating a worker record
first and launching its machine second; a crash between the two leaves a
pending record the next tick finishes. A demand whose template already has
a machine materializing resolves against that worker instead of creating
another. An in-memory cache of recently fulfilled demands guards against
double-launching off a stale snapshot.

Warm pools are expressed as demands too: when a definition's pool of ready
idle workers falls under its configured depth, the controller raises a
scale-up demand on the tightest template able to host it and lets the
ordinary fulfilment path do the rest.

# Leadership

Exactly one controller leads at a time, elected through a store lease.
Replicas campaign in the background and take over within the lease TTL if
the leader dies. Liveness miss counters are in-memory and reset on every
leadership change, so a fresh leader never stops an instance on inherited
suspicion.

# Usage

	ctrl := reconciler.New(state, kv, provider, reconciler.Config{
		NodeID: cfg.Node.ID,
		Tick:   cfg.Controller.Tick,
	})
	go ctrl.Run(ctx)

Run blocks until the context is cancelled, alternating between campaigning
for leadership and leading.

# Monitoring

	billet_reconcile_duration_seconds  - per-tick latency histogram
	billet_reconcile_errors_total      - failed observations and actions
	billet_workers_quarantined_total   - machines rejected before running

# See Also

  - pkg/scheduler - placement and lead-time tracking
  - pkg/manager - state mutations and leases
  - pkg/cloud - provider abstraction and error classes
*/
package reconciler
