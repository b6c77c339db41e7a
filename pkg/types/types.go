package types

import (
	"time"
)

// LicenseKind identifies the licensing tier a worker is entitled to run.
// Definitions declare the set of kinds they can be placed on.
type LicenseKind string

const (
	LicenseEnterprise LicenseKind = "enterprise"
	LicenseEducation  LicenseKind = "education"
	LicensePersonal   LicenseKind = "personal"
)

// Resources is a per-dimension capacity vector. All scheduling arithmetic
// (fit checks, allocation accounting, utilization scoring) operates on it.
type Resources struct {
	CPUCores  int64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMB  int64 `json:"memory_mb" yaml:"memory_mb"`
	StorageGB int64 `json:"storage_gb" yaml:"storage_gb"`
}

// Fits reports whether r fits entirely into avail.
func (r Resources) Fits(avail Resources) bool {
	return r.CPUCores <= avail.CPUCores &&
		r.MemoryMB <= avail.MemoryMB &&
		r.StorageGB <= avail.StorageGB
}

// Add returns the element-wise sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPUCores:  r.CPUCores + o.CPUCores,
		MemoryMB:  r.MemoryMB + o.MemoryMB,
		StorageGB: r.StorageGB + o.StorageGB,
	}
}

// Sub returns the element-wise difference r - o, floored at zero.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPUCores:  max(0, r.CPUCores-o.CPUCores),
		MemoryMB:  max(0, r.MemoryMB-o.MemoryMB),
		StorageGB: max(0, r.StorageGB-o.StorageGB),
	}
}

// IsZero reports whether every dimension is zero.
func (r Resources) IsZero() bool {
	return r.CPUCores == 0 && r.MemoryMB == 0 && r.StorageGB == 0
}

// Utilization returns the max over dimensions of alloc/r, in [0,1] for a
// feasible allocation. Dimensions r declares as zero are ignored.
func (r Resources) Utilization(alloc Resources) float64 {
	var u float64
	if r.CPUCores > 0 {
		u = maxf(u, float64(alloc.CPUCores)/float64(r.CPUCores))
	}
	if r.MemoryMB > 0 {
		u = maxf(u, float64(alloc.MemoryMB)/float64(r.MemoryMB))
	}
	if r.StorageGB > 0 {
		u = maxf(u, float64(alloc.StorageGB)/float64(r.StorageGB))
	}
	return u
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// PortProtocol tags a templated port with its transport kind.
type PortProtocol string

const (
	PortProtocolTCP PortProtocol = "tcp"
	PortProtocolUDP PortProtocol = "udp"
)

// PortSpec is one entry of a definition's port template: a symbolic name
// resolved to a concrete integer port at placement time.
type PortSpec struct {
	Name     string       `json:"name" yaml:"name"`
	Protocol PortProtocol `json:"protocol" yaml:"protocol"`
}

// PortRange is the inclusive range [Lo, Hi] a worker leases lab ports from.
type PortRange struct {
	Lo int `json:"lo" yaml:"lo"`
	Hi int `json:"hi" yaml:"hi"`
}

// Size returns the number of ports in the range.
func (p PortRange) Size() int {
	if p.Hi < p.Lo {
		return 0
	}
	return p.Hi - p.Lo + 1
}

// Contains reports whether port lies within the range.
func (p PortRange) Contains(port int) bool {
	return port >= p.Lo && port <= p.Hi
}

// ArtifactRef points at an opaque lab topology artifact in the object store.
type ArtifactRef struct {
	URI    string `json:"uri" yaml:"uri"`
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// DefinitionRequirements captures what a definition needs from a worker.
type DefinitionRequirements struct {
	Resources   Resources `json:"resources" yaml:"resources"`
	NestedVirt  bool      `json:"nested_virtualization" yaml:"nested_virtualization"`
	ImageFamily string    `json:"image_family,omitempty" yaml:"image_family,omitempty"`
}

// Definition is the immutable specification of a lab. A new version yields a
// new record; instances pin the (Name, Version) pair at creation and the pair
// never changes afterwards.
type Definition struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Version          string                 `json:"version"`
	Artifact         ArtifactRef            `json:"artifact"`
	Requirements     DefinitionRequirements `json:"requirements"`
	LicenseAffinity  []LicenseKind          `json:"license_affinity"`
	NodeCount        int                    `json:"node_count"`
	PortTemplate     []PortSpec             `json:"port_template"`
	GradingRulesetID string                 `json:"grading_ruleset_id,omitempty"`
	MaxSessionTime   time.Duration          `json:"max_session_time"`
	WarmPoolDepth    int                    `json:"warm_pool_depth"`
	Owner            string                 `json:"owner"`
	Deprecated       bool                   `json:"deprecated,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	Revision         uint64                 `json:"revision"`
}

// AcceptsLicense reports whether the definition can run on a worker holding
// the given license kind.
func (d *Definition) AcceptsLicense(kind LicenseKind) bool {
	for _, k := range d.LicenseAffinity {
		if k == kind {
			return true
		}
	}
	return false
}

// Timeslot is the window during which a user is expected to interact with an
// instance. It drives pre-allocation and tear-down timing.
type Timeslot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// GradingResult is the score reported by the assessment collaborator.
type GradingResult struct {
	Total  float64 `json:"total"`
	Max    float64 `json:"max"`
	Passed bool    `json:"passed"`
}

// Transition is one recorded step of an instance's state history.
type Transition struct {
	From   InstanceState `json:"from"`
	To     InstanceState `json:"to"`
	At     time.Time     `json:"at"`
	Actor  string        `json:"actor"`
	Reason string        `json:"reason,omitempty"`
}

// Instance is one runtime lab billeted against a timeslot. Created by the
// API; assigned by the scheduler; driven through its lifecycle by the
// reconciler; destroyed after archival.
type Instance struct {
	ID                string         `json:"id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion string         `json:"definition_version"`
	WorkerID          string         `json:"worker_id,omitempty"`
	Ports             map[string]int `json:"ports,omitempty"`
	BackendLabID      string         `json:"backend_lab_id,omitempty"`
	State             InstanceState  `json:"state"`
	History           []Transition   `json:"history,omitempty"`
	Timeslot          Timeslot       `json:"timeslot"`
	Owner             string         `json:"owner"`
	ReservationID     string         `json:"reservation_id,omitempty"`
	Grading           *GradingResult `json:"grading,omitempty"`
	ArtifactsURI      string         `json:"artifacts_uri,omitempty"`
	StopReason        string         `json:"stop_reason,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	ScheduledAt  time.Time `json:"scheduled_at,omitzero"`
	RunningAt    time.Time `json:"running_at,omitzero"`
	TerminatedAt time.Time `json:"terminated_at,omitzero"`

	Revision uint64 `json:"revision"`
}

// Assigned reports whether the instance has a committed placement.
func (i *Instance) Assigned() bool {
	return i.WorkerID != ""
}

// PortAllocation records the ports leased on a worker for one instance.
// Ports are never reused within the instance's lifetime.
type PortAllocation struct {
	InstanceID  string         `json:"instance_id"`
	Ports       map[string]int `json:"ports"`
	AllocatedAt time.Time      `json:"allocated_at"`
}

// WorkerTelemetry is the observed utilization snapshot the reconciler polls
// from the cloud adapter for each running worker.
type WorkerTelemetry struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	StoragePercent float64   `json:"storage_percent"`
	ActiveLabs     int       `json:"active_labs"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
	SampledAt      time.Time `json:"sampled_at,omitzero"`
}

// Worker is a heavy compute host. Created by auto-scale or explicit import,
// mutated only by the reconciler, destroyed on terminal state.
type Worker struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Region          string           `json:"region"`
	CloudInstanceID string           `json:"cloud_instance_id,omitempty"`
	InstanceType    string           `json:"instance_type"`
	ImageID         string           `json:"image_id,omitempty"`
	TemplateName    string           `json:"template_name,omitempty"`
	LicenseKind     LicenseKind      `json:"license_kind"`
	Status          WorkerStatus     `json:"status"`
	Telemetry       WorkerTelemetry  `json:"telemetry"`
	Capacity        Resources        `json:"capacity"`
	MaxNodes        int              `json:"max_nodes"`
	Allocated       Resources        `json:"allocated"`
	AllocatedNodes  int              `json:"allocated_nodes"`
	PortRange       PortRange        `json:"port_range"`
	PortAllocations []PortAllocation `json:"port_allocations,omitempty"`
	InstanceIDs     []string         `json:"instance_ids,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	RunningAt     time.Time `json:"running_at,omitzero"`
	DrainingAt    time.Time `json:"draining_at,omitzero"`
	DrainDeadline time.Time `json:"drain_deadline,omitzero"`
	StoppedAt     time.Time `json:"stopped_at,omitzero"`
	TerminatedAt  time.Time `json:"terminated_at,omitzero"`
	NextRefreshAt time.Time `json:"next_refresh_at,omitzero"`

	Revision uint64 `json:"revision"`
}

// Available returns capacity minus current allocation.
func (w *Worker) Available() Resources {
	return w.Capacity.Sub(w.Allocated)
}

// AvailablePorts returns how many ports of the worker's range are unleased.
func (w *Worker) AvailablePorts() int {
	used := 0
	for _, a := range w.PortAllocations {
		used += len(a.Ports)
	}
	return w.PortRange.Size() - used
}

// UsedPorts returns the set of currently leased port numbers.
func (w *Worker) UsedPorts() map[int]bool {
	used := make(map[int]bool)
	for _, a := range w.PortAllocations {
		for _, p := range a.Ports {
			used[p] = true
		}
	}
	return used
}

// HostsInstance reports whether the worker's assignment list contains id.
func (w *Worker) HostsInstance(id string) bool {
	for _, iid := range w.InstanceIDs {
		if iid == id {
			return true
		}
	}
	return false
}

// WorkerTemplate is the recipe used by scale-up to create a worker. Seeded
// from configuration into the document store at process start.
type WorkerTemplate struct {
	Name         string        `json:"name" yaml:"name"`
	InstanceType string        `json:"instance_type" yaml:"instance_type"`
	Capacity     Resources     `json:"capacity" yaml:"capacity"`
	MaxNodes     int           `json:"max_nodes" yaml:"max_nodes"`
	LicenseKind  LicenseKind   `json:"license_kind" yaml:"license_kind"`
	ImageID      string        `json:"image_id" yaml:"image_id"`
	Region       string        `json:"region" yaml:"region"`
	PortRange    PortRange     `json:"port_range" yaml:"port_range"`
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// Satisfies reports whether a worker cut from this template could host the
// definition: license kind accepted, capacity covers the requirements, and
// the port range covers the port template.
func (t *WorkerTemplate) Satisfies(def *Definition) bool {
	if !def.AcceptsLicense(t.LicenseKind) {
		return false
	}
	if !def.Requirements.Resources.Fits(t.Capacity) {
		return false
	}
	if t.PortRange.Size() < len(def.PortTemplate) {
		return false
	}
	return true
}
