package cloud

import (
	"context"
	"time"
)

// MachineState is the provider-reported lifecycle state of a worker host.
// Machines here are the heavy cloud instances workers run on, not lablets.
type MachineState string

const (
	MachinePending    MachineState = "pending"
	MachineRunning    MachineState = "running"
	MachineStopping   MachineState = "stopping"
	MachineStopped    MachineState = "stopped"
	MachineTerminated MachineState = "terminated"
	MachineUnknown    MachineState = "unknown"
)

// LabState is the lab daemon's view of one imported lab.
type LabState string

const (
	LabDefined LabState = "defined"
	LabStarted LabState = "started"
	LabStopped LabState = "stopped"
)

// CreateSpec parameterizes machine creation. Network placement and ownership
// tags come from the provider's own configuration.
type CreateSpec struct {
	Name         string
	InstanceType string
	ImageID      string
	Tags         map[string]string
}

// MachineStatus is the point-in-time answer to "how is this machine doing".
type MachineStatus struct {
	State MachineState
	// ChecksPassed reports whether the provider's health checks are green.
	// Always false until the machine reaches running.
	ChecksPassed bool
	// Address is the machine's reachable IP, empty until assigned.
	Address string
}

// Metrics is a utilization snapshot aggregated over the requested window.
type Metrics struct {
	CPUPercent     float64
	MemoryPercent  float64
	StoragePercent float64
	SampledAt      time.Time
}

// Machine is one provider instance as returned by a listing.
type Machine struct {
	ID           string
	State        MachineState
	Address      string
	InstanceType string
	ImageID      string
	LaunchedAt   time.Time
	Tags         map[string]string
}

// ListFilter narrows a machine listing. Zero value matches every machine
// the credentials can see.
type ListFilter struct {
	// Tags must all be present with the given values.
	Tags map[string]string
	// States limits results to the given machine states.
	States []MachineState
}

// Lab is one lab the daemon on a worker knows about.
type Lab struct {
	ID    string   `json:"id"`
	State LabState `json:"state"`
}

// Provider is the capability set the controller needs from an IaaS backend.
// Every call carries its own deadline and returns errors the caller can
// route with Classify. Implementations hold no state between calls; caching
// is the controller's concern.
type Provider interface {
	// CreateInstance launches a machine and returns its provider id.
	CreateInstance(ctx context.Context, spec CreateSpec) (string, error)

	// StartInstance powers on a stopped machine.
	StartInstance(ctx context.Context, id string) error

	// StopInstance initiates shutdown. The machine keeps its disks.
	StopInstance(ctx context.Context, id string) error

	// TerminateInstance destroys the machine permanently.
	TerminateInstance(ctx context.Context, id string) error

	// GetInstanceStatus reports the machine's state and health checks.
	GetInstanceStatus(ctx context.Context, id string) (*MachineStatus, error)

	// GetInstanceMetrics aggregates utilization over the trailing window.
	GetInstanceMetrics(ctx context.Context, id string, window time.Duration) (*Metrics, error)

	// ListInstances enumerates machines matching the filter.
	ListInstances(ctx context.Context, filter ListFilter) ([]Machine, error)

	// ImportLab uploads a rewritten topology artifact to the machine's lab
	// daemon and returns the daemon's lab id. Not idempotent; the caller
	// records the id before retrying.
	ImportLab(ctx context.Context, instanceID string, artifact []byte) (string, error)

	// StartLab boots an imported lab.
	StartLab(ctx context.Context, instanceID, labID string) error

	// StopLab shuts a lab down, keeping its definition and disks.
	StopLab(ctx context.Context, instanceID, labID string) error

	// WipeLab discards a stopped lab's runtime state and definition.
	WipeLab(ctx context.Context, instanceID, labID string) error

	// ListLabs reports every lab the machine's daemon currently holds.
	ListLabs(ctx context.Context, instanceID string) ([]Lab, error)
}
