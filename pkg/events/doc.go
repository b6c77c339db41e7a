/*
Package events provides the in-memory event fan-out for the Billet control
plane.

Domain events from the API, scheduler, and controller flow through a single
broker and out to subscribers (SSE streams, the CLI, tests). Every publish
is also written to the document store archive before fan-out, so the audit
trail never depends on subscriber health.

# Architecture

	┌──────────────────── EVENT FAN-OUT ───────────────────────┐
	│                                                           │
	│  API / Scheduler / Controller                              │
	│       │ Publish(event)                                     │
	│       ▼                                                    │
	│  ┌─────────────────────────────────────────────┐          │
	│  │ Archive (document store)   append-only      │          │
	│  └─────────────────────────────────────────────┘          │
	│       │                                                    │
	│       ▼                                                    │
	│  Main queue (buffer: 100) ── single drain loop             │
	│       │                  └─ heartbeat every 30 s           │
	│       ▼                                                    │
	│  Subscriber queues (buffer: 50 each)                       │
	│    - enqueue waits at most 100 ms, then drops              │
	│    - connected sentinel on subscribe                       │
	│    - shutdown sentinel before close                        │
	└───────────────────────────────────────────────────────────┘

# Delivery contract

Per-entity order follows publish order: one loop drains the main queue, so
two events for the same instance can never overtake each other. Delivery
is at-most-once per subscriber; a queue that stays full past the enqueue
timeout loses that event (the dropped counter records it). Consumers that
need completeness read the archive, not the stream, and new subscribers
resume coarse state by fetching a snapshot via the API rather than by
replay.

# Event catalog

Definition: definition.created, definition.version.created,
definition.deprecated.

Instance: instance.pending, instance.scheduled,
instance.provisioning.started, instance.running,
instance.collecting.started, instance.grading.started,
instance.grading.completed, instance.stopping, instance.stopped,
instance.archived, instance.terminated.

Worker: worker.pending, worker.provisioning.started, worker.running,
worker.draining, worker.stopping, worker.stopped, worker.terminated.

Scaling: scaling.up.requested, scaling.up.completed,
scaling.down.requested, scaling.down.completed.

System: heartbeat, connected, shutdown.

Inbound (consumed from the assessment collaborator): collection.completed,
grading.completed.

Every envelope carries a unique id, occurrence time, source component,
schema version, aggregate id, and a typed data payload.

# Usage

	broker := events.NewBroker(docStore)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for e := range sub {
			switch e.Type {
			case events.TypeInstanceScheduled:
				// ...
			}
		}
	}()

	broker.Publish(events.ForInstance(events.SourceScheduler, inst, ""))
*/
package events
