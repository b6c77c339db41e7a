package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Provider for tests and local single-node runs.
// Machine ids, lab ids, and addresses are deterministic. By default a
// created machine reports running on its first status poll; BootPolls holds
// it in pending for that many polls first. FailNext scripts one-shot
// failures per operation.
type Fake struct {
	mu sync.Mutex

	machines map[string]*fakeMachine
	labs     map[string]map[string]*fakeLab
	failures map[string][]error
	calls    map[string]int

	nextMachine int
	nextLab     int

	// BootPolls is how many GetInstanceStatus calls a machine stays
	// pending after creation or start.
	BootPolls int

	// Metrics is returned verbatim by GetInstanceMetrics.
	Metrics Metrics
}

type fakeMachine struct {
	machine   Machine
	bootPolls int
}

type fakeLab struct {
	id       string
	state    LabState
	artifact []byte
}

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		machines: make(map[string]*fakeMachine),
		labs:     make(map[string]map[string]*fakeLab),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues err to be returned by the next call to the named
// operation (the Provider method name). Queued errors are consumed in
// order, one per call.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// CallCount reports how many times the named operation was invoked,
// including scripted failures.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) begin(op string) error {
	f.calls[op]++
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *Fake) CreateInstance(_ context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateInstance"); err != nil {
		return "", err
	}

	f.nextMachine++
	id := fmt.Sprintf("fake-i-%06d", f.nextMachine)
	tags := make(map[string]string, len(spec.Tags))
	for k, v := range spec.Tags {
		tags[k] = v
	}
	f.machines[id] = &fakeMachine{
		machine: Machine{
			ID:           id,
			State:        MachinePending,
			Address:      fmt.Sprintf("10.0.0.%d", f.nextMachine),
			InstanceType: spec.InstanceType,
			ImageID:      spec.ImageID,
			LaunchedAt:   time.Now().UTC(),
			Tags:         tags,
		},
		bootPolls: f.BootPolls,
	}
	f.labs[id] = make(map[string]*fakeLab)
	return id, nil
}

func (f *Fake) StartInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("StartInstance"); err != nil {
		return err
	}
	m, err := f.machine(id)
	if err != nil {
		return err
	}
	m.machine.State = MachinePending
	m.bootPolls = f.BootPolls
	return nil
}

func (f *Fake) StopInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("StopInstance"); err != nil {
		return err
	}
	m, err := f.machine(id)
	if err != nil {
		return err
	}
	m.machine.State = MachineStopped
	return nil
}

func (f *Fake) TerminateInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("TerminateInstance"); err != nil {
		return err
	}
	m, err := f.machine(id)
	if err != nil {
		return err
	}
	m.machine.State = MachineTerminated
	return nil
}

func (f *Fake) GetInstanceStatus(_ context.Context, id string) (*MachineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetInstanceStatus"); err != nil {
		return nil, err
	}
	m, err := f.machine(id)
	if err != nil {
		return nil, err
	}
	if m.machine.State == MachinePending {
		if m.bootPolls > 0 {
			m.bootPolls--
		} else {
			m.machine.State = MachineRunning
		}
	}
	return &MachineStatus{
		State:        m.machine.State,
		ChecksPassed: m.machine.State == MachineRunning,
		Address:      m.machine.Address,
	}, nil
}

func (f *Fake) GetInstanceMetrics(_ context.Context, id string, _ time.Duration) (*Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetInstanceMetrics"); err != nil {
		return nil, err
	}
	if _, err := f.machine(id); err != nil {
		return nil, err
	}
	m := f.Metrics
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now().UTC()
	}
	return &m, nil
}

func (f *Fake) ListInstances(_ context.Context, filter ListFilter) ([]Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListInstances"); err != nil {
		return nil, err
	}

	var out []Machine
	for i := 1; i <= f.nextMachine; i++ {
		m, ok := f.machines[fmt.Sprintf("fake-i-%06d", i)]
		if !ok || !matches(m.machine, filter) {
			continue
		}
		out = append(out, m.machine)
	}
	return out, nil
}

func matches(m Machine, filter ListFilter) bool {
	for k, v := range filter.Tags {
		if m.Tags[k] != v {
			return false
		}
	}
	if len(filter.States) == 0 {
		return true
	}
	for _, s := range filter.States {
		if m.State == s {
			return true
		}
	}
	return false
}

func (f *Fake) ImportLab(_ context.Context, instanceID string, artifact []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ImportLab"); err != nil {
		return "", err
	}
	m, err := f.machine(instanceID)
	if err != nil {
		return "", err
	}
	if m.machine.State != MachineRunning {
		return "", &labError{op: "import", status: 503, body: "daemon not ready"}
	}

	f.nextLab++
	id := fmt.Sprintf("fake-lab-%06d", f.nextLab)
	f.labs[instanceID][id] = &fakeLab{id: id, state: LabDefined, artifact: artifact}
	return id, nil
}

func (f *Fake) StartLab(_ context.Context, instanceID, labID string) error {
	return f.setLabState(instanceID, labID, "StartLab", LabStarted)
}

func (f *Fake) StopLab(_ context.Context, instanceID, labID string) error {
	return f.setLabState(instanceID, labID, "StopLab", LabStopped)
}

func (f *Fake) WipeLab(_ context.Context, instanceID, labID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("WipeLab"); err != nil {
		return err
	}
	lab, err := f.lab(instanceID, labID)
	if err != nil {
		return err
	}
	if lab.state == LabStarted {
		return &labError{op: "wipe", status: 409, body: "lab is started"}
	}
	delete(f.labs[instanceID], labID)
	return nil
}

func (f *Fake) ListLabs(_ context.Context, instanceID string) ([]Lab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListLabs"); err != nil {
		return nil, err
	}
	if _, err := f.machine(instanceID); err != nil {
		return nil, err
	}

	var out []Lab
	for i := 1; i <= f.nextLab; i++ {
		id := fmt.Sprintf("fake-lab-%06d", i)
		if lab, ok := f.labs[instanceID][id]; ok {
			out = append(out, Lab{ID: lab.id, State: lab.state})
		}
	}
	return out, nil
}

func (f *Fake) setLabState(instanceID, labID, op string, state LabState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(op); err != nil {
		return err
	}
	lab, err := f.lab(instanceID, labID)
	if err != nil {
		return err
	}
	lab.state = state
	return nil
}

func (f *Fake) machine(id string) (*fakeMachine, error) {
	m, ok := f.machines[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return m, nil
}

func (f *Fake) lab(instanceID, labID string) (*fakeLab, error) {
	if _, err := f.machine(instanceID); err != nil {
		return nil, err
	}
	lab, ok := f.labs[instanceID][labID]
	if !ok {
		return nil, fmt.Errorf("lab %s on %s: %w", labID, instanceID, ErrNotFound)
	}
	return lab, nil
}
