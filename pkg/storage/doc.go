/*
Package storage provides the dual-store state substrate for the Billet
control plane.

Two complementary stores back the control plane. The coordination store is
a linearizable key-value space with revisions, watch streams, and TTL
leases; it holds the records the scheduler and controller race over
(instances, workers, leader keys, scale-up dedupe keys). The document
store is a schemaless record space for large, query-rich data: lab
definitions with their cached artifacts, worker templates, and the
append-only event history.

# Architecture

	┌──────────────────── STATE SUBSTRATE ─────────────────────┐
	│                                                           │
	│  ┌──────────────── Coordination store ────────────────┐  │
	│  │  BoltKV: <dataDir>/coordination.db                  │  │
	│  │                                                     │  │
	│  │  /instances/{id}   instance records                 │  │
	│  │  /workers/{id}     worker records + allocations     │  │
	│  │  /leader/{role}    election keys (leased)           │  │
	│  │  /scaleup/{t}/{r}  scale-up dedupe keys (leased)    │  │
	│  │                                                     │  │
	│  │  Every mutation bumps a global revision. Writers    │  │
	│  │  use CompareAndSwap against the revision they read; │  │
	│  │  losers re-read and retry.                          │  │
	│  └──────────────┬──────────────────────────────────────┘  │
	│                 │ publish in revision order                │
	│  ┌──────────────▼──────────────────────────────────────┐  │
	│  │  Watch hub                                          │  │
	│  │  - ring buffer of recent events (replay window)     │  │
	│  │  - resume by last-seen revision                     │  │
	│  │  - COMPACTED sentinel when a watcher falls behind   │  │
	│  └─────────────────────────────────────────────────────┘  │
	│                                                           │
	│  ┌──────────────── Document store ────────────────────┐   │
	│  │  DocStore: <dataDir>/documents.db                   │  │
	│  │                                                     │  │
	│  │  definitions         name@version → record          │  │
	│  │  artifacts           definition id → raw content    │  │
	│  │  worker_templates    name → record                  │  │
	│  │  events              time+seq → envelope            │  │
	│  │  events_by_aggregate entity id → primary key        │  │
	│  └─────────────────────────────────────────────────────┘  │
	└───────────────────────────────────────────────────────────┘

# Replication

BoltKV applies every mutation through Apply(Command), whether the command
arrives from a local method call (standalone mode) or from the raft log
(replicated mode, see pkg/manager). Commands carry any non-deterministic
inputs (lease ids, expiry timestamps) chosen by the proposer, so replaying
the same command sequence yields identical revisions on every replica.

Leases expire through OpExpireLeases commands. Standalone stores sweep
themselves once per second; in a cluster only the raft leader proposes the
sweep, and the deletions replicate like any other write.

# Concurrency contract

The coordination store is the only shared mutable state in the system.
Readers obtain (value, revision) pairs; every write is conditional on the
revision the writer last read. A conflict is ordinary control flow: re-read,
recompute, retry. Watch streams deliver totally ordered events, so a
component that tracks its last-seen revision observes a consistent prefix
of history after any reconnect.

# Usage

	kv, err := storage.NewBoltKV(dataDir)
	if err != nil { ... }
	defer kv.Close()

	rev, err := kv.Create(ctx, storage.InstanceKey(inst.ID), data, 0)
	pair, err := kv.Get(ctx, storage.InstanceKey(inst.ID))
	rev, err = kv.CompareAndSwap(ctx, pair.Key, pair.ModRevision, updated)

	watch, err := kv.Watch(ctx, storage.PrefixInstances, rev)
	for evt := range watch {
		if evt.Type == storage.EventCompacted {
			// re-list and re-watch from the list revision
		}
	}

# See Also

  - pkg/manager for the raft-replicated wrapper and leader election
  - pkg/events for the fan-out fed by the archive in this package
*/
package storage
