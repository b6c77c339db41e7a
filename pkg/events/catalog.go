package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/billetlabs/billet/pkg/types"
)

// SchemaVersion is stamped on every emitted event envelope.
const SchemaVersion = "1"

// Type identifies an event kind.
type Type string

// Definition events
const (
	TypeDefinitionCreated        Type = "definition.created"
	TypeDefinitionVersionCreated Type = "definition.version.created"
	TypeDefinitionDeprecated     Type = "definition.deprecated"
)

// Instance lifecycle events
const (
	TypeInstancePending             Type = "instance.pending"
	TypeInstanceScheduled           Type = "instance.scheduled"
	TypeInstanceProvisioningStarted Type = "instance.provisioning.started"
	TypeInstanceRunning             Type = "instance.running"
	TypeInstanceCollectingStarted   Type = "instance.collecting.started"
	TypeInstanceGradingStarted      Type = "instance.grading.started"
	TypeInstanceGradingCompleted    Type = "instance.grading.completed"
	TypeInstanceStopping            Type = "instance.stopping"
	TypeInstanceStopped             Type = "instance.stopped"
	TypeInstanceArchived            Type = "instance.archived"
	TypeInstanceTerminated          Type = "instance.terminated"
)

// Worker lifecycle events
const (
	TypeWorkerPending             Type = "worker.pending"
	TypeWorkerProvisioningStarted Type = "worker.provisioning.started"
	TypeWorkerRunning             Type = "worker.running"
	TypeWorkerDraining            Type = "worker.draining"
	TypeWorkerStopping            Type = "worker.stopping"
	TypeWorkerStopped             Type = "worker.stopped"
	TypeWorkerTerminated          Type = "worker.terminated"
)

// Scaling events
const (
	TypeScalingUpRequested    Type = "scaling.up.requested"
	TypeScalingUpCompleted    Type = "scaling.up.completed"
	TypeScalingDownRequested  Type = "scaling.down.requested"
	TypeScalingDownCompleted  Type = "scaling.down.completed"
)

// System events
const (
	TypeHeartbeat Type = "heartbeat"
	TypeConnected Type = "connected"
	TypeShutdown  Type = "shutdown"
)

// Inbound events from the assessment collaborator
const (
	TypeCollectionCompleted Type = "collection.completed"
	TypeGradingCompleted    Type = "grading.completed"
)

// Source component names stamped on emitted events.
const (
	SourceAPI        = "api"
	SourceScheduler  = "scheduler"
	SourceController = "controller"
	SourceSystem     = "system"
)

// Event is the envelope delivered to every subscriber and archived in the
// document store.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Source        string          `json:"source"`
	SchemaVersion string          `json:"schema_version"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// New builds an event envelope around a typed payload. Marshal failures
// cannot happen for the catalog payload structs, so the payload is dropped
// silently rather than failing the state change that produced it.
func New(source string, t Type, aggregateID string, payload interface{}) *Event {
	e := &Event{
		ID:            uuid.New().String(),
		Type:          t,
		OccurredAt:    time.Now().UTC(),
		Source:        source,
		SchemaVersion: SchemaVersion,
		AggregateID:   aggregateID,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Data = data
		}
	}
	return e
}

// DefinitionData is the payload for definition.* events.
type DefinitionData struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Owner   string `json:"owner,omitempty"`
}

// InstanceData is the payload for instance lifecycle events.
type InstanceData struct {
	InstanceID        string         `json:"instance_id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion string         `json:"definition_version"`
	State             string         `json:"state"`
	WorkerID          string         `json:"worker_id,omitempty"`
	AllocatedPorts    map[string]int `json:"allocated_ports,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// GradingData is the payload for instance.grading.completed.
type GradingData struct {
	InstanceID string              `json:"instance_id"`
	Score      types.GradingResult `json:"score"`
}

// WorkerData is the payload for worker lifecycle events.
type WorkerData struct {
	WorkerID     string `json:"worker_id"`
	TemplateName string `json:"template_name,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

// ScalingData is the payload for scaling.* events.
type ScalingData struct {
	TemplateName string `json:"template_name"`
	InstanceID   string `json:"instance_id,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// CollectionCompletedData is the inbound payload recording where collected
// lab artifacts were stored.
type CollectionCompletedData struct {
	InstanceID   string `json:"instance_id"`
	ArtifactsURI string `json:"artifacts_uri"`
}

// GradingCompletedData is the inbound payload carrying a grading score.
type GradingCompletedData struct {
	InstanceID string              `json:"instance_id"`
	Score      types.GradingResult `json:"score"`
}

// instanceEventTypes maps each instance state to its lifecycle event.
var instanceEventTypes = map[types.InstanceState]Type{
	types.InstancePending:       TypeInstancePending,
	types.InstanceScheduled:     TypeInstanceScheduled,
	types.InstanceInstantiating: TypeInstanceProvisioningStarted,
	types.InstanceRunning:       TypeInstanceRunning,
	types.InstanceCollecting:    TypeInstanceCollectingStarted,
	types.InstanceGrading:       TypeInstanceGradingStarted,
	types.InstanceStopping:      TypeInstanceStopping,
	types.InstanceStopped:       TypeInstanceStopped,
	types.InstanceArchived:      TypeInstanceArchived,
	types.InstanceTerminated:    TypeInstanceTerminated,
}

// workerEventTypes maps each worker status to its lifecycle event.
var workerEventTypes = map[types.WorkerStatus]Type{
	types.WorkerPending:      TypeWorkerPending,
	types.WorkerProvisioning: TypeWorkerProvisioningStarted,
	types.WorkerRunning:      TypeWorkerRunning,
	types.WorkerDraining:     TypeWorkerDraining,
	types.WorkerStopping:     TypeWorkerStopping,
	types.WorkerStopped:      TypeWorkerStopped,
	types.WorkerTerminated:   TypeWorkerTerminated,
}

// ForInstance builds the lifecycle event matching the instance's current
// state.
func ForInstance(source string, inst *types.Instance, reason string) *Event {
	t, ok := instanceEventTypes[inst.State]
	if !ok {
		return nil
	}
	return New(source, t, inst.ID, InstanceData{
		InstanceID:        inst.ID,
		DefinitionName:    inst.DefinitionName,
		DefinitionVersion: inst.DefinitionVersion,
		State:             string(inst.State),
		WorkerID:          inst.WorkerID,
		AllocatedPorts:    inst.Ports,
		Reason:            reason,
	})
}

// ForWorker builds the lifecycle event matching the worker's current status.
func ForWorker(source string, w *types.Worker, reason string) *Event {
	t, ok := workerEventTypes[w.Status]
	if !ok {
		return nil
	}
	return New(source, t, w.ID, WorkerData{
		WorkerID:     w.ID,
		TemplateName: w.TemplateName,
		Status:       string(w.Status),
		Reason:       reason,
	})
}
