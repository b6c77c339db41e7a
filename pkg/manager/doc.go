/*
Package manager hosts the control plane state: the replicated coordination
store, the single-writer state service, leader election for the control
loops, and the token registry for internal callers.

A Billet deployment runs one manager per control plane node. A single node
runs standalone against its local store; three or five nodes form a Raft
quorum and replicate every mutation through the log.

# Architecture

	┌────────────────────── CONTROL PLANE NODE ──────────────────────┐
	│                                                                │
	│  ┌──────────────────────────────────────────────┐              │
	│  │            HTTP API (public + internal)      │              │
	│  └──────────────────┬───────────────────────────┘              │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐              │
	│  │              State (single writer)           │              │
	│  │  - Validates lifecycle transitions           │              │
	│  │  - Commits placements and port leases        │              │
	│  │  - Emits the event stream                    │              │
	│  └──────────────────┬───────────────────────────┘              │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐              │
	│  │              Manager                         │              │
	│  │  - Routes mutations: local or via Raft       │              │
	│  │  - Tracks leadership and membership          │              │
	│  │  - Sweeps expired leases on the leader       │              │
	│  └──────────────────┬───────────────────────────┘              │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐              │
	│  │         Raft Consensus (replicated mode)     │              │
	│  │  - Leader election, log replication          │              │
	│  │  - kvFSM applies committed commands          │              │
	│  └──────────────────┬───────────────────────────┘              │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐              │
	│  │              BoltKV + DocStore               │              │
	│  │  - Instances, workers, elections, leases     │              │
	│  │  - Definitions, artifacts, templates, events │              │
	│  └──────────────────────────────────────────────┘              │
	└────────────────────────────────────────────────────────────────┘

# Core Components

Manager:
  - Owns the coordination store and the Raft node when replicated
  - Apply routes storage commands to the local store or the Raft log
  - Bootstrap, Join, AddVoter, and RemoveServer manage membership
  - The leader sweeps expired leases once per second

State:
  - The only component that writes definition, instance, and worker
    records
  - Guards every write with a compare-and-swap against the revision the
    caller read
  - Publishes a lifecycle event for every accepted transition
  - ScheduleInstance commits a placement atomically with its port lease
    and unwinds both on a lost race

kvFSM:
  - Raft finite state machine
  - Apply decodes a storage.Command and replays it against BoltKV
  - Snapshot and Restore move the full store image

Elector:
  - Runs the scheduler and controller as singletons across the cluster
  - Campaigns by creating the role's election key bound to a TTL lease
  - A standby watches the key and campaigns the moment it is deleted

TokenManager:
  - Issues and validates bearer credentials for internal callers
  - Roles separate replicas joining Raft from control loop traffic

# Commands

Every replicated mutation is a storage.Command: an operation name plus a
JSON payload. The proposer fills in anything nondeterministic, such as
lease ids and expiry timestamps, so every replica applies the identical
change. Lease expiry itself is a command: the leader proposes the sweep
through the log rather than letting each replica fire timers locally.

# Usage

Standalone:

	mgr, err := manager.New(manager.Config{
		NodeID:  "cp-1",
		DataDir: "/var/lib/billet",
	})

Replicated, first node:

	mgr, err := manager.New(manager.Config{
		NodeID:   "cp-1",
		BindAddr: "10.0.0.10:7000",
		DataDir:  "/var/lib/billet",
	})
	err = mgr.Bootstrap()

Replicated, joining node:

	mgr, err := manager.New(manager.Config{
		NodeID:   "cp-2",
		BindAddr: "10.0.0.11:7000",
		DataDir:  "/var/lib/billet",
	})
	err = mgr.Join([]string{"10.0.0.10:8080"}, token)

The join call asks an existing node's internal API to add this node as a
voter; the rest is log replay.

# Leadership

Raft leadership and control loop leadership are separate. Raft elects the
node allowed to commit log entries. The Elector runs a second, lease-based
election per control loop role on top of the store, so the scheduler and
controller each run exactly once across the cluster, not necessarily on
the Raft leader.

Failover timing:
  - Raft leader loss: a new leader in roughly 1-2 seconds
  - Control loop leader loss: standbys take over within the 15s lease TTL,
    usually faster because the deletion of the election key is watched

# Failure Scenarios

Node crash (standalone):
  - All state is on disk; restart resumes from the last committed write

Node crash (replicated, follower):
  - Quorum unaffected; the node replays the log on return

Node crash (replicated, leader):
  - Raft elects a new leader; proposals made during the window fail with
    ErrNotLeader and name the new leader for the caller to retry against

Control loop leader stalls:
  - Renewal stops, the lease expires, the election key is removed, and a
    standby wins the next campaign

Network partition:
  - The majority side keeps writing; the minority side refuses mutations
    rather than diverging

# Monitoring

Key metrics:
  - billet_raft_is_leader: 1 on the Raft leader
  - billet_raft_applied_index: last applied log index; a lagging follower
    shows a widening gap to the leader
  - billet_leader_elections_total: campaign outcomes per control loop role
  - billet_store_revision: coordination store revision

# See Also

Related packages:
  - pkg/storage: BoltKV, DocStore, and the command/watch machinery
  - pkg/scheduler: placement loop, elected through this package
  - pkg/reconciler: convergence loop, elected through this package
  - pkg/api: the HTTP surface over the State writer
*/
package manager
