package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/cloud"
	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/ports"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

const labArtifact = `nodes:
  - name: controller
    tags:
      - serial:${PORT_SSH}
  - name: bench
    tags:
      - web:${PORT_HTTPS}
`

func newTestEnv(t *testing.T) (*manager.State, storage.KV) {
	t.Helper()
	kv, err := storage.NewBoltKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	docs, err := storage.NewDocStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	broker := events.NewBroker(nil)
	broker.Start()
	t.Cleanup(broker.Stop)

	return manager.NewState(kv, docs, broker, ports.NewAllocator(kv)), kv
}

func newTestController(t *testing.T, cfg Config) (*Controller, *manager.State, *cloud.Fake) {
	t.Helper()
	state, kv := newTestEnv(t)
	fake := cloud.NewFake()
	if cfg.NodeID == "" {
		cfg.NodeID = "cp-test"
	}
	return New(state, kv, fake, cfg), state, fake
}

func seedLab(t *testing.T, s *manager.State) *types.Definition {
	t.Helper()
	def, err := s.CreateDefinition(context.Background(), manager.CreateDefinitionRequest{
		Definition: types.Definition{
			Name:    "dsp-lab",
			Version: "1.0.0",
			Requirements: types.DefinitionRequirements{
				Resources: types.Resources{CPUCores: 4, MemoryMB: 8192, StorageGB: 40},
			},
			LicenseAffinity: []types.LicenseKind{types.LicenseEducation},
			NodeCount:       2,
			PortTemplate: []types.PortSpec{
				{Name: "ssh", Protocol: types.PortProtocolTCP},
				{Name: "https", Protocol: types.PortProtocolTCP},
			},
			MaxSessionTime: 4 * time.Hour,
			Owner:          "platform",
		},
		Artifact: []byte(labArtifact),
	})
	require.NoError(t, err)
	return def
}

func eduLargeTemplate() types.WorkerTemplate {
	return types.WorkerTemplate{
		Name:         "edu-large",
		InstanceType: "m7i.8xlarge",
		Capacity:     types.Resources{CPUCores: 32, MemoryMB: 131072, StorageGB: 500},
		MaxNodes:     12,
		LicenseKind:  types.LicenseEducation,
		ImageID:      "ami-0f1e2d3c",
		Region:       "us-east-1",
		PortRange:    types.PortRange{Lo: 30000, Hi: 30099},
		DrainTimeout: 4 * time.Hour,
	}
}

// runningWorker registers the template, creates a worker and lets the
// controller itself bring the machine up: one tick to launch, one tick
// to see it pass checks.
func runningWorker(t *testing.T, ctrl *Controller, s *manager.State) *types.Worker {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	w, err := s.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: "edu-large"})
	require.NoError(t, err)

	ctrl.tick(ctx)
	ctrl.tick(ctx)

	got, err := s.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, types.WorkerRunning, got.Status)
	return got
}

// buildInstance books a lablet on the worker and hands it to the
// controller ready for instantiation.
func buildInstance(t *testing.T, s *manager.State, w *types.Worker, slot types.Timeslot) *types.Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := s.CreateInstance(ctx, manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       slot,
		Owner:          "student-7",
	})
	require.NoError(t, err)
	_, err = s.ScheduleInstance(ctx, manager.Placement{InstanceID: inst.ID, WorkerID: w.ID})
	require.NoError(t, err)
	inst, err = s.TransitionInstance(ctx, inst.ID, types.InstanceInstantiating, events.SourceScheduler, "lead time reached")
	require.NoError(t, err)
	return inst
}

func hourSlot() types.Timeslot {
	start := time.Now().Add(-time.Minute)
	return types.Timeslot{Start: start, End: start.Add(time.Hour)}
}

func TestTickLaunchesAndProvisionsWorker(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	w, err := state.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: "edu-large"})
	require.NoError(t, err)

	ctrl.tick(ctx)

	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerProvisioning, got.Status)
	assert.Equal(t, "fake-i-000001", got.CloudInstanceID)
	assert.Equal(t, 1, fake.CallCount("CreateInstance"))

	ctrl.tick(ctx)

	got, err = state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, got.Status)
}

func TestTickWaitsOutSlowBoot(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	fake.BootPolls = 2
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	w, err := state.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: "edu-large"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ctrl.tick(ctx)
		got, err := state.GetWorker(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, types.WorkerProvisioning, got.Status, "poll %d", i)
	}

	ctrl.tick(ctx)
	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, got.Status)
}

func TestTickWaitsOutProviderCapacity(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	w, err := state.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: "edu-large"})
	require.NoError(t, err)
	fake.FailNext("CreateInstance", &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"})

	ctrl.tick(ctx)

	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerPending, got.Status, "capacity shortage waits, nothing breaks")

	ctrl.tick(ctx)

	got, err = state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerProvisioning, got.Status)
	assert.Equal(t, 2, fake.CallCount("CreateInstance"))
}

func TestTickQuarantinesRejectedLaunch(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	w, err := state.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: "edu-large"})
	require.NoError(t, err)
	fake.FailNext("CreateInstance", &smithy.GenericAPIError{Code: "InvalidAMIID.Malformed", Message: "bad image"})

	ctrl.tick(ctx)

	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerTerminated, got.Status)
	assert.Zero(t, fake.CallCount("TerminateInstance"), "no machine was ever created")

	// The terminated record is swept on the following tick.
	ctrl.tick(ctx)
	_, err = state.GetWorker(ctx, w.ID)
	assert.True(t, storage.IsNotFound(err))
}

func TestTickInstantiatesPlacedInstance(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())

	ctrl.tick(ctx)

	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.State)
	assert.Equal(t, "fake-lab-000001", got.BackendLabID)
	assert.Equal(t, 1, fake.CallCount("ImportLab"))
	assert.Equal(t, 1, fake.CallCount("StartLab"))

	labs, err := fake.ListLabs(ctx, w.CloudInstanceID)
	require.NoError(t, err)
	require.Len(t, labs, 1)
	assert.Equal(t, cloud.LabStarted, labs[0].State)

	// A healthy running lab is left alone.
	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.State)
}

func TestInstantiationImportsOnlyOnce(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())

	// Start fails transiently after the import succeeded. The retry must
	// reuse the recorded lab id instead of importing a second copy.
	fake.FailNext("StartLab", errors.New("daemon hiccup"))

	ctrl.tick(ctx)

	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.State)
	assert.Equal(t, 1, fake.CallCount("ImportLab"))
	assert.Equal(t, 2, fake.CallCount("StartLab"))
}

func TestInstantiationRejectionStopsInstance(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())
	fake.FailNext("ImportLab", &smithy.GenericAPIError{Code: "ValidationException", Message: "topology rejected"})

	ctrl.tick(ctx)

	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, got.State)
	assert.Contains(t, got.StopReason, "instantiation failed")
	assert.Equal(t, 1, fake.CallCount("ImportLab"), "rejections are not retried")

	// Teardown releases the placement and lands in stopped.
	ctrl.tick(ctx)

	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.State)
	host, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Resources{}, host.Allocated)
	assert.False(t, host.HostsInstance(inst.ID))
}

func TestTimeslotEndStopsRunningInstance(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	slot := types.Timeslot{
		Start: time.Now().Add(-time.Minute),
		End:   time.Now().Add(60 * time.Millisecond),
	}
	inst := buildInstance(t, state, w, slot)

	ctrl.tick(ctx)
	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceRunning, got.State)

	time.Sleep(80 * time.Millisecond)
	ctrl.tick(ctx)

	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, got.State)
	assert.Equal(t, "timeslot ended", got.StopReason)
}

func TestLivenessMissesStopInstance(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{LivenessMisses: 2})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())

	ctrl.tick(ctx)
	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceRunning, got.State)

	// The lab vanishes from the daemon behind the control plane's back.
	require.NoError(t, fake.StopLab(ctx, w.CloudInstanceID, got.BackendLabID))
	require.NoError(t, fake.WipeLab(ctx, w.CloudInstanceID, got.BackendLabID))

	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.State, "one miss is not enough")

	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, got.State)
	assert.Equal(t, "lab no longer reported by its worker", got.StopReason)
}

func TestCollectionAndGradingAdvance(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())

	ctrl.tick(ctx)
	_, err := state.TransitionInstance(ctx, inst.ID, types.InstanceCollecting, events.SourceAPI, "user requested")
	require.NoError(t, err)

	// Nothing moves until the collaborator reports the artifacts.
	ctrl.tick(ctx)
	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCollecting, got.State)

	_, err = state.RecordCollection(ctx, inst.ID, "s3://assessments/dsp-lab/run-42")
	require.NoError(t, err)
	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceGrading, got.State)

	_, err = state.RecordGrading(ctx, inst.ID, types.GradingResult{Total: 87, Max: 100, Passed: true})
	require.NoError(t, err)
	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, got.State)

	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.State)
	assert.True(t, got.Grading.Passed)
}

func TestGradingBeforeCollectionSkipsGradingPhase(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())

	ctrl.tick(ctx)
	_, err := state.TransitionInstance(ctx, inst.ID, types.InstanceCollecting, events.SourceAPI, "user requested")
	require.NoError(t, err)

	// The grading result arrives while the instance is still collecting,
	// before any collection report.
	_, err = state.RecordGrading(ctx, inst.ID, types.GradingResult{Total: 85, Max: 100, Passed: true})
	require.NoError(t, err)

	ctrl.tick(ctx)
	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, got.State)
	require.NotNil(t, got.Grading)
	assert.Equal(t, 85.0, got.Grading.Total)

	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.State)
	assert.True(t, got.Grading.Passed)
}

func TestRetentionArchivesAndPurges(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{
		ArchivedAfter: time.Millisecond,
		PurgeAfter:    time.Millisecond,
	})
	ctx := context.Background()
	seedLab(t, state)
	inst, err := state.CreateInstance(ctx, manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	require.NoError(t, err)
	_, err = state.TransitionInstance(ctx, inst.ID, types.InstanceStopping, events.SourceAPI, "user requested")
	require.NoError(t, err)

	ctrl.tick(ctx)
	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStopped, got.State)

	time.Sleep(5 * time.Millisecond)
	ctrl.tick(ctx)
	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceArchived, got.State)

	time.Sleep(5 * time.Millisecond)
	ctrl.tick(ctx)
	_, err = state.GetInstance(ctx, inst.ID)
	assert.True(t, storage.IsNotFound(err), "purged record is gone")
}

func TestDriftedInstanceReturnsToPending(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)

	inst, err := state.CreateInstance(ctx, manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	require.NoError(t, err)
	_, err = state.ScheduleInstance(ctx, manager.Placement{InstanceID: inst.ID, WorkerID: w.ID})
	require.NoError(t, err)

	// The worker dies underneath the placement.
	_, err = state.TransitionWorker(ctx, w.ID, types.WorkerStopping, events.SourceController, "")
	require.NoError(t, err)
	_, err = state.TransitionWorker(ctx, w.ID, types.WorkerStopped, events.SourceController, "")
	require.NoError(t, err)

	// First tick retires the worker record, second sees the dangling
	// assignment and returns the instance to the pool.
	ctrl.tick(ctx)
	ctrl.tick(ctx)

	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstancePending, got.State)
	assert.Empty(t, got.WorkerID)
	assert.Empty(t, got.Ports)

	_, err = state.GetWorker(ctx, w.ID)
	assert.True(t, storage.IsNotFound(err))
}
