package ports

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

func newTestKV(t *testing.T) storage.KV {
	t.Helper()
	kv, err := storage.NewBoltKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func seedWorker(t *testing.T, kv storage.KV, w *types.Worker) {
	t.Helper()
	data, err := json.Marshal(w)
	require.NoError(t, err)
	_, err = kv.Put(context.Background(), storage.WorkerKey(w.ID), data)
	require.NoError(t, err)
}

func loadWorker(t *testing.T, kv storage.KV, id string) *types.Worker {
	t.Helper()
	pair, err := kv.Get(context.Background(), storage.WorkerKey(id))
	require.NoError(t, err)
	var w types.Worker
	require.NoError(t, json.Unmarshal(pair.Value, &w))
	return &w
}

func testWorker(id string) *types.Worker {
	return &types.Worker{
		ID:        id,
		Status:    types.WorkerRunning,
		PortRange: types.PortRange{Lo: 5040, Hi: 5100},
	}
}

func TestAllocateLowestFreePorts(t *testing.T) {
	kv := newTestKV(t)
	w := testWorker("w-1")
	w.PortAllocations = []types.PortAllocation{{
		InstanceID:  "other",
		Ports:       map[string]int{"serial_1": 5040, "serial_2": 5042, "vnc_1": 5043},
		AllocatedAt: time.Now(),
	}}
	seedWorker(t, kv, w)

	alloc := NewAllocator(kv)
	got, err := alloc.Allocate(context.Background(), "w-1", "inst-1", []types.PortSpec{
		{Name: "serial_1", Protocol: types.PortProtocolTCP},
		{Name: "vnc_1", Protocol: types.PortProtocolTCP},
	})
	require.NoError(t, err)

	// 5040, 5042 and 5043 are taken, so the two lowest free are 5041 and 5044.
	assert.Equal(t, map[string]int{"serial_1": 5041, "vnc_1": 5044}, got)

	stored := loadWorker(t, kv, "w-1")
	require.Len(t, stored.PortAllocations, 2)
	assert.Equal(t, "inst-1", stored.PortAllocations[1].InstanceID)
	assert.Equal(t, got, stored.PortAllocations[1].Ports)
	assert.False(t, stored.PortAllocations[1].AllocatedAt.IsZero())
	assert.Equal(t, w.PortRange.Size()-5, stored.AvailablePorts())
	assert.Equal(t, uint64(1), stored.Revision)
}

func TestAllocateIsIdempotentPerInstance(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))

	alloc := NewAllocator(kv)
	template := []types.PortSpec{{Name: "serial_1"}, {Name: "vnc_1"}}

	first, err := alloc.Allocate(context.Background(), "w-1", "inst-1", template)
	require.NoError(t, err)
	second, err := alloc.Allocate(context.Background(), "w-1", "inst-1", template)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, loadWorker(t, kv, "w-1").PortAllocations, 1)
}

func TestAllocateEmptyTemplate(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))

	got, err := NewAllocator(kv).Allocate(context.Background(), "w-1", "inst-1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, loadWorker(t, kv, "w-1").PortAllocations)
}

func TestAllocateRangeExhausted(t *testing.T) {
	kv := newTestKV(t)
	w := testWorker("w-1")
	w.PortRange = types.PortRange{Lo: 5040, Hi: 5040}
	seedWorker(t, kv, w)

	_, err := NewAllocator(kv).Allocate(context.Background(), "w-1", "inst-1",
		[]types.PortSpec{{Name: "serial_1"}, {Name: "vnc_1"}})
	require.ErrorIs(t, err, ErrRangeExhausted)
	assert.Empty(t, loadWorker(t, kv, "w-1").PortAllocations)
}

func TestAllocateRejectsDuplicateNames(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))

	_, err := NewAllocator(kv).Allocate(context.Background(), "w-1", "inst-1",
		[]types.PortSpec{{Name: "serial_1"}, {Name: "serial_1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate port name")
}

func TestAllocateUnknownWorker(t *testing.T) {
	kv := newTestKV(t)

	_, err := NewAllocator(kv).Allocate(context.Background(), "w-missing", "inst-1",
		[]types.PortSpec{{Name: "serial_1"}})
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestReleaseFreesPorts(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))

	alloc := NewAllocator(kv)
	template := []types.PortSpec{{Name: "serial_1"}, {Name: "vnc_1"}}
	first, err := alloc.Allocate(context.Background(), "w-1", "inst-1", template)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"serial_1": 5040, "vnc_1": 5041}, first)

	require.NoError(t, alloc.Release(context.Background(), "w-1", "inst-1"))
	assert.Empty(t, loadWorker(t, kv, "w-1").PortAllocations)

	// The freed numbers are handed out again to the next instance.
	second, err := alloc.Allocate(context.Background(), "w-1", "inst-2", template)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReleaseIsIdempotent(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))

	alloc := NewAllocator(kv)
	require.NoError(t, alloc.Release(context.Background(), "w-1", "inst-1"))
	require.NoError(t, alloc.Release(context.Background(), "w-missing", "inst-1"))
}

// flakyKV forces CAS conflicts for a fixed number of calls, then delegates.
type flakyKV struct {
	storage.KV
	conflicts int
	calls     int
}

func (f *flakyKV) CompareAndSwap(ctx context.Context, key string, expectedRev uint64, value []byte) (uint64, error) {
	f.calls++
	if f.calls <= f.conflicts {
		return 0, storage.ErrConflict
	}
	return f.KV.CompareAndSwap(ctx, key, expectedRev, value)
}

func TestAllocateRetriesOnConflict(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))
	flaky := &flakyKV{KV: kv, conflicts: 2}

	got, err := NewAllocator(flaky).Allocate(context.Background(), "w-1", "inst-1",
		[]types.PortSpec{{Name: "serial_1"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"serial_1": 5040}, got)
	assert.Equal(t, 3, flaky.calls)
}

func TestAllocateGivesUpAfterRetryBudget(t *testing.T) {
	kv := newTestKV(t)
	seedWorker(t, kv, testWorker("w-1"))
	flaky := &flakyKV{KV: kv, conflicts: 100}

	_, err := NewAllocator(flaky).Allocate(context.Background(), "w-1", "inst-1",
		[]types.PortSpec{{Name: "serial_1"}})
	require.ErrorIs(t, err, ErrAllocationConflict)
	assert.Equal(t, maxAttempts, flaky.calls)
	assert.Empty(t, loadWorker(t, kv, "w-1").PortAllocations)
}
