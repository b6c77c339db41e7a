package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/storage"
)

func newElectionKV(t *testing.T) *storage.BoltKV {
	t.Helper()
	kv, err := storage.NewBoltKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestElectorWinsVacantRole(t *testing.T) {
	kv := newElectionKV(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led := make(chan struct{})
	e := NewElector(kv, RoleScheduler, "node-a", time.Second)
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(leadCtx context.Context) {
			close(led)
			<-leadCtx.Done()
		})
	}()

	select {
	case <-led:
	case <-time.After(3 * time.Second):
		t.Fatal("elector never took leadership")
	}

	pair, err := kv.Get(ctx, storage.LeaderKey(RoleScheduler))
	require.NoError(t, err)
	var rec leaderRecord
	require.NoError(t, json.Unmarshal(pair.Value, &rec))
	assert.Equal(t, "node-a", rec.NodeID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("elector did not stop")
	}

	// The key is dropped eagerly on release, not left to expire.
	_, err = kv.Get(context.Background(), storage.LeaderKey(RoleScheduler))
	assert.True(t, storage.IsNotFound(err))
}

func TestElectorFailover(t *testing.T) {
	kv := newElectionKV(t)
	leads := make(chan string, 2)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	a := NewElector(kv, RoleController, "node-a", time.Second)
	doneA := make(chan error, 1)
	go func() {
		doneA <- a.Run(ctxA, func(leadCtx context.Context) {
			leads <- "node-a"
			<-leadCtx.Done()
		})
	}()

	select {
	case n := <-leads:
		require.Equal(t, "node-a", n)
	case <-time.After(3 * time.Second):
		t.Fatal("first elector never led")
	}

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	b := NewElector(kv, RoleController, "node-b", time.Second)
	doneB := make(chan error, 1)
	go func() {
		doneB <- b.Run(ctxB, func(leadCtx context.Context) {
			leads <- "node-b"
			<-leadCtx.Done()
		})
	}()

	// The standby must not lead while the incumbent holds the key.
	select {
	case n := <-leads:
		t.Fatalf("standby %s led while the role was held", n)
	case <-time.After(300 * time.Millisecond):
	}

	cancelA()
	require.ErrorIs(t, <-doneA, context.Canceled)

	select {
	case n := <-leads:
		assert.Equal(t, "node-b", n)
	case <-time.After(5 * time.Second):
		t.Fatal("standby never took over")
	}

	cancelB()
	require.ErrorIs(t, <-doneB, context.Canceled)
}

func TestElectorTakesOverExpiredLease(t *testing.T) {
	kv := newElectionKV(t)
	ctx := context.Background()

	// A crashed leader leaves its key behind, bound to a lease nobody
	// renews. The sweeper expires it and the standby's watch fires.
	lease, err := kv.Grant(ctx, time.Second)
	require.NoError(t, err)
	value, err := json.Marshal(leaderRecord{NodeID: "node-dead", ElectedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = kv.Create(ctx, storage.LeaderKey(RoleScheduler), value, lease)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	led := make(chan struct{})
	e := NewElector(kv, RoleScheduler, "node-b", time.Second)
	done := make(chan error, 1)
	go func() {
		done <- e.Run(runCtx, func(leadCtx context.Context) {
			close(led)
			<-leadCtx.Done()
		})
	}()

	select {
	case <-led:
	case <-time.After(5 * time.Second):
		t.Fatal("standby never took over the expired lease")
	}

	pair, err := kv.Get(ctx, storage.LeaderKey(RoleScheduler))
	require.NoError(t, err)
	var rec leaderRecord
	require.NoError(t, json.Unmarshal(pair.Value, &rec))
	assert.Equal(t, "node-b", rec.NodeID)

	cancel()
	<-done
}
