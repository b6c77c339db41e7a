package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/cloud"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

func TestTelemetryRefreshStampsWorker(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	fake.Metrics = cloud.Metrics{CPUPercent: 42.5, MemoryPercent: 61, StoragePercent: 18}
	ctx := context.Background()
	w := runningWorker(t, ctrl, state)

	ctrl.tick(ctx)

	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.Telemetry.CPUPercent)
	assert.Equal(t, 61.0, got.Telemetry.MemoryPercent)
	assert.Zero(t, got.Telemetry.ActiveLabs)
	assert.True(t, got.NextRefreshAt.After(time.Now()), "next poll is scheduled out")
}

func TestVanishedMachineStopsWorker(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	w := runningWorker(t, ctrl, state)
	fake.FailNext("GetInstanceMetrics", cloud.ErrNotFound)

	ctrl.tick(ctx)

	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, got.Status)
}

func TestIdleWorkerDrainsAndRetires(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{ScaleDownGrace: time.Millisecond})
	ctx := context.Background()
	w := runningWorker(t, ctrl, state)

	// First sight of the running worker is a telemetry refresh, not a
	// drain.
	ctrl.tick(ctx)
	got, err := state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, types.WorkerRunning, got.Status)

	time.Sleep(5 * time.Millisecond)
	ctrl.tick(ctx)
	got, err = state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDraining, got.Status)
	assert.False(t, got.DrainDeadline.IsZero())

	ctrl.tick(ctx)
	got, err = state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, got.Status, "empty drain finishes immediately")

	ctrl.tick(ctx)
	got, err = state.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopped, got.Status)

	ctrl.tick(ctx)
	_, err = state.GetWorker(ctx, w.ID)
	assert.True(t, storage.IsNotFound(err), "retired record is removed")
	assert.Equal(t, 1, fake.CallCount("TerminateInstance"))
}

func TestDrainDeadlineEvictsInstances(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	seedLab(t, state)
	w := runningWorker(t, ctrl, state)
	inst := buildInstance(t, state, w, hourSlot())

	ctrl.tick(ctx)
	got, err := state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceRunning, got.State)

	// Operator drain whose deadline has already run out.
	_, err = state.DrainWorker(ctx, w.ID, time.Now().Add(-time.Second), "maintenance")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		ctrl.tick(ctx)
	}

	got, err = state.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.State)
	assert.Equal(t, "assigned worker lost", got.StopReason)

	_, err = state.GetWorker(ctx, w.ID)
	assert.True(t, storage.IsNotFound(err))
}

func TestScaleUpDemandCreatesWorker(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	ok, err := state.RequestScaleUp(ctx, "edu-large", manager.ScaleReasonCapacity, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)

	ctrl.tick(ctx)

	workers, _, err := state.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "edu-large", workers[0].TemplateName)
	assert.Equal(t, types.WorkerProvisioning, workers[0].Status)
	assert.Equal(t, 1, fake.CallCount("CreateInstance"))

	reqs, err := state.ListScaleUpRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, reqs, "demand resolved against the new worker")

	// Another tick must not double the fleet.
	ctrl.tick(ctx)
	workers, _, err = state.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestScaleUpResolvesAgainstMaterializingWorker(t *testing.T) {
	ctrl, state, fake := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	w, err := state.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: "edu-large"})
	require.NoError(t, err)
	_, err = state.RequestScaleUp(ctx, "edu-large", manager.ScaleReasonCapacity, "inst-9")
	require.NoError(t, err)

	ctrl.tick(ctx)

	workers, _, err := state.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1, "the in-flight worker absorbs the demand")
	assert.Equal(t, w.ID, workers[0].ID)
	assert.Equal(t, 1, fake.CallCount("CreateInstance"), "only the existing worker's machine was launched")

	reqs, err := state.ListScaleUpRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestConcurrentDemandsShareOneLaunch(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))
	_, err := state.RequestScaleUp(ctx, "edu-large", manager.ScaleReasonCapacity, "inst-1")
	require.NoError(t, err)
	_, err = state.RequestScaleUp(ctx, "edu-large", manager.ScaleReasonWarmPool, "")
	require.NoError(t, err)

	ctrl.tick(ctx)

	workers, _, err := state.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1, "one template launches at most one worker per tick")

	// The deferred demand resolves against the new worker next tick.
	ctrl.tick(ctx)
	reqs, err := state.ListScaleUpRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, reqs)
	workers, _, err = state.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestLeadWindowDemandsCapacityForUnplacedBooking(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{TotalLeadTime: 35 * time.Minute})
	ctx := context.Background()
	seedLab(t, state)
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))

	imminent, err := state.CreateInstance(ctx, manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot: types.Timeslot{
			Start: time.Now().Add(20 * time.Minute),
			End:   time.Now().Add(80 * time.Minute),
		},
		Owner: "student-7",
	})
	require.NoError(t, err)

	// A distant booking is the scheduler's problem until its runway opens.
	_, err = state.CreateInstance(ctx, manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot: types.Timeslot{
			Start: time.Now().Add(3 * time.Hour),
			End:   time.Now().Add(4 * time.Hour),
		},
		Owner: "student-8",
	})
	require.NoError(t, err)

	ctrl.tick(ctx)

	reqs, err := state.ListScaleUpRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "edu-large", reqs[0].Template)
	assert.Equal(t, manager.ScaleReasonCapacity, reqs[0].Reason)
	assert.Equal(t, imminent.ID, reqs[0].InstanceID)
}

func seedWarmLab(t *testing.T, s *manager.State, depth int) {
	t.Helper()
	_, err := s.CreateDefinition(context.Background(), manager.CreateDefinitionRequest{
		Definition: types.Definition{
			Name:    "fpga-bench",
			Version: "2.0.0",
			Requirements: types.DefinitionRequirements{
				Resources: types.Resources{CPUCores: 4, MemoryMB: 8192, StorageGB: 40},
			},
			LicenseAffinity: []types.LicenseKind{types.LicenseEducation},
			NodeCount:       2,
			WarmPoolDepth:   depth,
			Owner:           "platform",
		},
		Artifact: []byte(labArtifact),
	})
	require.NoError(t, err)
}

func TestWarmPoolKeepsReadyWorker(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{})
	ctx := context.Background()
	seedWarmLab(t, state, 1)
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))

	ctrl.tick(ctx)
	reqs, err := state.ListScaleUpRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "edu-large", reqs[0].Template)
	assert.Equal(t, manager.ScaleReasonWarmPool, reqs[0].Reason)

	ctrl.tick(ctx)
	workers, _, err := state.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	ctrl.tick(ctx)
	workers, _, err = state.ListWorkers(ctx)
	require.NoError(t, err)
	require.Equal(t, types.WorkerRunning, workers[0].Status)

	// Depth reached: no further demand, fleet stays put.
	ctrl.tick(ctx)
	reqs, err = state.ListScaleUpRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, reqs)
	workers, _, err = state.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestWarmWorkerIsNotScaledDown(t *testing.T) {
	ctrl, state, _ := newTestController(t, Config{ScaleDownGrace: time.Millisecond})
	ctx := context.Background()
	seedWarmLab(t, state, 1)
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{eduLargeTemplate()}))

	for i := 0; i < 4; i++ {
		ctrl.tick(ctx)
	}
	time.Sleep(5 * time.Millisecond)
	ctrl.tick(ctx)
	ctrl.tick(ctx)

	workers, _, err := state.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerRunning, workers[0].Status, "warm capacity is exempt from scale-down")
}

func TestScaleDownEligibility(t *testing.T) {
	now := time.Now()
	idle := func() *types.Worker {
		return &types.Worker{
			ID:          "w-1",
			Status:      types.WorkerRunning,
			LicenseKind: types.LicenseEducation,
			RunningAt:   now.Add(-2 * time.Hour),
		}
	}

	tests := []struct {
		name string
		obs  func(w *types.Worker) *observation
		want bool
	}{
		{
			name: "idle past grace",
			obs: func(w *types.Worker) *observation {
				return &observation{now: now, workers: []*types.Worker{w}}
			},
			want: true,
		},
		{
			name: "recent activity",
			obs: func(w *types.Worker) *observation {
				w.Telemetry.LastActivityAt = now.Add(-time.Minute)
				return &observation{now: now, workers: []*types.Worker{w}}
			},
			want: false,
		},
		{
			name: "hosting instances",
			obs: func(w *types.Worker) *observation {
				w.InstanceIDs = []string{"i-1"}
				return &observation{now: now, workers: []*types.Worker{w}}
			},
			want: false,
		},
		{
			name: "pending booking opens inside grace",
			obs: func(w *types.Worker) *observation {
				return &observation{
					now:     now,
					workers: []*types.Worker{w},
					instances: []*types.Instance{{
						ID:       "i-2",
						State:    types.InstancePending,
						Timeslot: types.Timeslot{Start: now.Add(5 * time.Minute)},
					}},
				}
			},
			want: false,
		},
		{
			name: "reserved for a warm pool",
			obs: func(w *types.Worker) *observation {
				return &observation{
					now:     now,
					workers: []*types.Worker{w},
					defs: map[string]*types.Definition{
						"fpga-bench@2.0.0": {
							Name:            "fpga-bench",
							Version:         "2.0.0",
							LicenseAffinity: []types.LicenseKind{types.LicenseEducation},
							WarmPoolDepth:   1,
						},
					},
				}
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Controller{cfg: Config{ScaleDownGrace: 30 * time.Minute}}
			w := idle()
			assert.Equal(t, tt.want, c.scaleDownEligible(tt.obs(w), w))
		})
	}
}

func TestWarmTemplatePicksTightestFit(t *testing.T) {
	def := &types.Definition{
		Name:    "fpga-bench",
		Version: "2.0.0",
		Requirements: types.DefinitionRequirements{
			Resources: types.Resources{CPUCores: 4, MemoryMB: 8192, StorageGB: 40},
		},
		LicenseAffinity: []types.LicenseKind{types.LicenseEducation},
		NodeCount:       2,
	}
	templates := map[string]*types.WorkerTemplate{
		"edu-large": {
			Name:        "edu-large",
			Capacity:    types.Resources{CPUCores: 32, MemoryMB: 131072, StorageGB: 500},
			MaxNodes:    12,
			LicenseKind: types.LicenseEducation,
		},
		"edu-snug": {
			Name:        "edu-snug",
			Capacity:    types.Resources{CPUCores: 8, MemoryMB: 16384, StorageGB: 100},
			MaxNodes:    4,
			LicenseKind: types.LicenseEducation,
		},
		"ent-small": {
			Name:        "ent-small",
			Capacity:    types.Resources{CPUCores: 8, MemoryMB: 16384, StorageGB: 100},
			MaxNodes:    4,
			LicenseKind: types.LicenseEnterprise,
		},
	}

	got := warmTemplate(templates, def)
	require.NotNil(t, got)
	assert.Equal(t, "edu-snug", got.Name)

	assert.Nil(t, warmTemplate(nil, def))
}

func TestDemandKeyDistinguishesReasons(t *testing.T) {
	a := demandKey(manager.ScaleUpRequest{Template: "edu-large", Reason: manager.ScaleReasonCapacity})
	b := demandKey(manager.ScaleUpRequest{Template: "edu-large", Reason: manager.ScaleReasonWarmPool})
	c := demandKey(manager.ScaleUpRequest{Template: "edu-large", Reason: manager.ScaleReasonCapacity})

	assert.Equal(t, a, c)
	assert.NotEqual(t, a, b)
}
