package cloud

import (
	"context"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Provider = (*Fake)(nil)

func TestFakeMachineLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.CreateInstance(ctx, CreateSpec{
		Name:         "worker-1",
		InstanceType: "c5.metal",
		ImageID:      "ami-123",
		Tags:         map[string]string{"billet:managed": "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fake-i-000001", id)

	status, err := f.GetInstanceStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MachineRunning, status.State)
	assert.True(t, status.ChecksPassed)
	assert.NotEmpty(t, status.Address)

	require.NoError(t, f.StopInstance(ctx, id))
	status, err = f.GetInstanceStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MachineStopped, status.State)
	assert.False(t, status.ChecksPassed)

	require.NoError(t, f.StartInstance(ctx, id))
	status, err = f.GetInstanceStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MachineRunning, status.State)

	require.NoError(t, f.TerminateInstance(ctx, id))
	status, err = f.GetInstanceStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MachineTerminated, status.State)
}

func TestFakeBootPolls(t *testing.T) {
	f := NewFake()
	f.BootPolls = 2
	ctx := context.Background()

	id, err := f.CreateInstance(ctx, CreateSpec{Name: "slow"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		status, err := f.GetInstanceStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, MachinePending, status.State, "poll %d", i)
	}
	status, err := f.GetInstanceStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MachineRunning, status.State)
}

func TestFakeScriptedFailures(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.FailNext("CreateInstance", &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"})

	_, err := f.CreateInstance(ctx, CreateSpec{Name: "w"})
	require.Error(t, err)
	assert.True(t, IsCapacity(err))

	id, err := f.CreateInstance(ctx, CreateSpec{Name: "w"})
	require.NoError(t, err)
	assert.Equal(t, "fake-i-000001", id)
	assert.Equal(t, 2, f.CallCount("CreateInstance"))
}

func TestFakeUnknownInstance(t *testing.T) {
	f := NewFake()
	_, err := f.GetInstanceStatus(context.Background(), "fake-i-000099")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFakeLabFlow(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.CreateInstance(ctx, CreateSpec{Name: "w"})
	require.NoError(t, err)

	// The daemon refuses imports until the machine reports running.
	_, err = f.ImportLab(ctx, id, []byte("lab:"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	_, err = f.GetInstanceStatus(ctx, id)
	require.NoError(t, err)

	labID, err := f.ImportLab(ctx, id, []byte("lab:"))
	require.NoError(t, err)
	assert.Equal(t, "fake-lab-000001", labID)

	require.NoError(t, f.StartLab(ctx, id, labID))
	labs, err := f.ListLabs(ctx, id)
	require.NoError(t, err)
	require.Len(t, labs, 1)
	assert.Equal(t, LabStarted, labs[0].State)

	// Wiping a started lab is a contract violation.
	err = f.WipeLab(ctx, id, labID)
	require.Error(t, err)
	assert.True(t, IsContract(err))

	require.NoError(t, f.StopLab(ctx, id, labID))
	require.NoError(t, f.WipeLab(ctx, id, labID))

	labs, err = f.ListLabs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, labs)
}

func TestFakeListInstances(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	a, err := f.CreateInstance(ctx, CreateSpec{Name: "a", Tags: map[string]string{"billet:template": "ent-large"}})
	require.NoError(t, err)
	b, err := f.CreateInstance(ctx, CreateSpec{Name: "b", Tags: map[string]string{"billet:template": "edu-small"}})
	require.NoError(t, err)

	all, err := f.ListInstances(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, []string{a, b}, []string{all[0].ID, all[1].ID})

	ent, err := f.ListInstances(ctx, ListFilter{Tags: map[string]string{"billet:template": "ent-large"}})
	require.NoError(t, err)
	require.Len(t, ent, 1)
	assert.Equal(t, a, ent[0].ID)

	running, err := f.ListInstances(ctx, ListFilter{States: []MachineState{MachineRunning}})
	require.NoError(t, err)
	assert.Empty(t, running, "machines are still pending before first poll")
}
