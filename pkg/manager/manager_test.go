package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/storage"
)

func TestManagerStandalone(t *testing.T) {
	mgr, err := New(Config{NodeID: "cp-1", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	assert.False(t, mgr.Replicated())
	assert.True(t, mgr.IsLeader(), "a standalone node always leads")
	require.NoError(t, mgr.Bootstrap(), "bootstrap is a no-op without raft")

	cmd, err := storage.NewCommand(storage.OpPut, storage.PutRequest{
		Key:   "/instances/i-1",
		Value: []byte(`{"state":"pending"}`),
	})
	require.NoError(t, err)
	res, err := mgr.Apply(cmd)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)

	pair, err := mgr.KV().Get(context.Background(), "/instances/i-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"state":"pending"}`), pair.Value)

	stats := mgr.Stats()
	assert.Equal(t, false, stats["replicated"])
	assert.Equal(t, uint64(1), stats["revision"])
	assert.NotContains(t, stats, "state", "no raft stats without raft")
}

func TestManagerMembershipRequiresRaft(t *testing.T) {
	mgr, err := New(Config{NodeID: "cp-1", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.Error(t, mgr.AddVoter("cp-2", "10.0.0.2:7000"))
	require.Error(t, mgr.RemoveServer("cp-2"))
	_, err = mgr.Servers()
	require.Error(t, err)
}

func TestKVFSMApply(t *testing.T) {
	kv, err := storage.NewReplicatedBoltKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	fsm := newKVFSM(kv)

	cmd, err := storage.NewCommand(storage.OpPut, storage.PutRequest{
		Key:   "/workers/w-1",
		Value: []byte(`{"status":"running"}`),
	})
	require.NoError(t, err)
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Data: data})
	ar, ok := resp.(applyResponse)
	require.True(t, ok)
	require.NoError(t, ar.err)
	assert.Equal(t, uint64(1), ar.result.Revision)

	t.Run("malformed entry surfaces the error", func(t *testing.T) {
		resp := fsm.Apply(&raft.Log{Index: 2, Term: 1, Data: []byte("not json")})
		ar, ok := resp.(applyResponse)
		require.True(t, ok)
		require.Error(t, ar.err)
	})
}

func TestKVFSMSnapshotRestore(t *testing.T) {
	kv, err := storage.NewReplicatedBoltKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	fsm := newKVFSM(kv)

	for _, key := range []string{"/instances/i-1", "/instances/i-2", "/workers/w-1"} {
		cmd, err := storage.NewCommand(storage.OpPut, storage.PutRequest{Key: key, Value: []byte(key)})
		require.NoError(t, err)
		data, err := json.Marshal(cmd)
		require.NoError(t, err)
		ar := fsm.Apply(&raft.Log{Index: 1, Term: 1, Data: data}).(applyResponse)
		require.NoError(t, ar.err)
	}

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	// A fresh replica restored from the snapshot serves the same data at
	// the same revision.
	kv2, err := storage.NewReplicatedBoltKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv2.Close() })
	fsm2 := newKVFSM(kv2)
	require.NoError(t, fsm2.Restore(io.NopCloser(bytes.NewReader(sink.buf.Bytes()))))

	ctx := context.Background()
	pair, err := kv2.Get(ctx, "/instances/i-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("/instances/i-2"), pair.Value)
	assert.Equal(t, kv.CurrentRevision(), kv2.CurrentRevision())
}

// memorySink is an in-memory raft.SnapshotSink.
type memorySink struct {
	buf       bytes.Buffer
	cancelled bool
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error                { return nil }
func (s *memorySink) ID() string                  { return "in-memory" }
func (s *memorySink) Cancel() error               { s.cancelled = true; return nil }
