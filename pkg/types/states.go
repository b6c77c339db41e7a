package types

import (
	"time"
)

// InstanceState is the lifecycle state of an instance. Transitions are
// guarded: every write goes through TransitionInstance, which rejects edges
// not present in the lifecycle graph.
type InstanceState string

const (
	InstancePending       InstanceState = "pending"
	InstanceScheduled     InstanceState = "scheduled"
	InstanceInstantiating InstanceState = "instantiating"
	InstanceRunning       InstanceState = "running"
	InstanceCollecting    InstanceState = "collecting"
	InstanceGrading       InstanceState = "grading"
	InstanceStopping      InstanceState = "stopping"
	InstanceStopped       InstanceState = "stopped"
	InstanceArchived      InstanceState = "archived"
	InstanceTerminated    InstanceState = "terminated"
)

// instanceEdges is the forward adjacency of the instance lifecycle.
// scheduled/instantiating -> pending are the drift resets taken when the
// assigned worker disappears before the lab is up. Every live state can be
// cancelled into stopping.
var instanceEdges = map[InstanceState][]InstanceState{
	InstancePending:       {InstanceScheduled, InstanceStopping},
	InstanceScheduled:     {InstanceInstantiating, InstancePending, InstanceStopping},
	InstanceInstantiating: {InstanceRunning, InstancePending, InstanceStopping},
	InstanceRunning:       {InstanceCollecting, InstanceStopping},
	InstanceCollecting:    {InstanceGrading, InstanceStopping},
	InstanceGrading:       {InstanceStopping},
	InstanceStopping:      {InstanceStopped},
	InstanceStopped:       {InstanceArchived},
	InstanceArchived:      {InstanceTerminated},
	InstanceTerminated:    nil,
}

// Valid reports whether s is a known instance state.
func (s InstanceState) Valid() bool {
	_, ok := instanceEdges[s]
	return ok || s == InstanceTerminated
}

// CanTransitionTo reports whether the lifecycle graph has an edge s -> to.
func (s InstanceState) CanTransitionTo(to InstanceState) bool {
	for _, next := range instanceEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s InstanceState) Terminal() bool {
	return s == InstanceTerminated
}

// Active reports whether the instance holds resources on a worker. Active
// instances count against worker capacity and keep ports leased.
func (s InstanceState) Active() bool {
	switch s {
	case InstanceScheduled, InstanceInstantiating, InstanceRunning,
		InstanceCollecting, InstanceGrading, InstanceStopping:
		return true
	}
	return false
}

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerPending      WorkerStatus = "pending"
	WorkerProvisioning WorkerStatus = "provisioning"
	WorkerRunning      WorkerStatus = "running"
	WorkerDraining     WorkerStatus = "draining"
	WorkerStopping     WorkerStatus = "stopping"
	WorkerStopped      WorkerStatus = "stopped"
	WorkerTerminated   WorkerStatus = "terminated"
)

// workerEdges is the forward adjacency of the worker lifecycle.
// pending/provisioning -> terminated is the quarantine edge for hosts that
// never became healthy.
var workerEdges = map[WorkerStatus][]WorkerStatus{
	WorkerPending:      {WorkerProvisioning, WorkerTerminated},
	WorkerProvisioning: {WorkerRunning, WorkerTerminated},
	WorkerRunning:      {WorkerDraining, WorkerStopping},
	WorkerDraining:     {WorkerStopping},
	WorkerStopping:     {WorkerStopped},
	WorkerStopped:      {WorkerTerminated},
	WorkerTerminated:   nil,
}

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	_, ok := workerEdges[s]
	return ok || s == WorkerTerminated
}

// CanTransitionTo reports whether the lifecycle graph has an edge s -> to.
func (s WorkerStatus) CanTransitionTo(to WorkerStatus) bool {
	for _, next := range workerEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerTerminated
}

// Schedulable reports whether the worker accepts new placements.
func (s WorkerStatus) Schedulable() bool {
	return s == WorkerRunning
}

// TransitionInstance moves inst to the target state, appending a history
// entry and stamping the lifecycle timestamps. Illegal edges return
// *InvalidTransitionError and leave inst untouched.
func TransitionInstance(inst *Instance, to InstanceState, actor, reason string) error {
	if !inst.State.CanTransitionTo(to) {
		return &InvalidTransitionError{
			Kind: "instance",
			ID:   inst.ID,
			From: string(inst.State),
			To:   string(to),
		}
	}
	now := time.Now().UTC()
	inst.History = append(inst.History, Transition{
		From:   inst.State,
		To:     to,
		At:     now,
		Actor:  actor,
		Reason: reason,
	})
	inst.State = to
	switch to {
	case InstanceScheduled:
		inst.ScheduledAt = now
	case InstancePending:
		// Drift reset: placement is void, so the scheduling artifacts go too.
		inst.WorkerID = ""
		inst.Ports = nil
		inst.BackendLabID = ""
		inst.ScheduledAt = time.Time{}
	case InstanceRunning:
		inst.RunningAt = now
	case InstanceStopping:
		if reason != "" {
			inst.StopReason = reason
		}
	case InstanceTerminated:
		inst.TerminatedAt = now
	}
	return nil
}

// TransitionWorker moves w to the target status, stamping lifecycle
// timestamps. Illegal edges return *InvalidTransitionError and leave w
// untouched.
func TransitionWorker(w *Worker, to WorkerStatus) error {
	if !w.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{
			Kind: "worker",
			ID:   w.ID,
			From: string(w.Status),
			To:   string(to),
		}
	}
	now := time.Now().UTC()
	w.Status = to
	switch to {
	case WorkerRunning:
		w.RunningAt = now
	case WorkerDraining:
		w.DrainingAt = now
	case WorkerStopped:
		w.StoppedAt = now
	case WorkerTerminated:
		w.TerminatedAt = now
	}
	return nil
}
