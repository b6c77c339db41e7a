/*
Package types defines the core data structures used throughout Billet.

This package contains the domain model of the control plane: lab definitions,
lab instances, workers, worker templates, resource vectors, and the two state
machines that govern instance and worker lifecycles. All other packages build
on these types for storage, scheduling, reconciliation, and API payloads.

# Entities

  - Definition: an immutable, versioned specification of a lab (artifact
    reference, resource requirements, licensing affinity, port template).
  - Instance: one short-lived lab billeted onto a worker for a timeslot.
  - Worker: a heavy compute host able to run several labs concurrently,
    bounded by declared capacity and license kind.
  - WorkerTemplate: the recipe auto-scaling uses to create workers.

Every entity carries a Revision, a monotonically increasing counter assigned
by the coordination store and used for optimistic concurrency. Mutators never
hold locks across entities; all cross-entity consistency is enforced through
compare-and-swap on revisions.

# State machines

Instance states:

	pending → scheduled → instantiating → running → {collecting → grading →}
	stopping → stopped → archived → terminated

Worker states:

	pending → provisioning → running → {draining →} stopping → stopped → terminated

Transitions are guarded by free functions (TransitionInstance,
TransitionWorker); an illegal transition fails with InvalidTransitionError
carrying the current and attempted states. Drift recovery edges
(scheduled/instantiating back to pending) and cancellation edges (any active
state to stopping) are part of the legal set.
*/
package types
