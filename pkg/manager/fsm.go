package manager

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
)

// kvFSM bridges the raft log to the coordination store. Every committed
// entry is a storage.Command; applying it runs the exact code path a
// standalone node uses, so replicas converge on identical revisions.
type kvFSM struct {
	kv     *storage.BoltKV
	logger zerolog.Logger
}

func newKVFSM(kv *storage.BoltKV) *kvFSM {
	return &kvFSM{kv: kv, logger: log.WithComponent("fsm")}
}

// applyResponse travels back to the proposer through the raft future.
type applyResponse struct {
	result *storage.ApplyResult
	err    error
}

// Apply processes one committed log entry.
func (f *kvFSM) Apply(entry *raft.Log) interface{} {
	var cmd storage.Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error().Err(err).Uint64("index", entry.Index).Msg("undecodable raft entry")
		return applyResponse{err: fmt.Errorf("decode command: %w", err)}
	}
	result, err := f.kv.Apply(cmd)
	metrics.RaftAppliedIndex.Set(float64(entry.Index))
	return applyResponse{result: result, err: err}
}

// Snapshot captures the full store for log compaction.
func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.kv.Snapshot()
	if err != nil {
		return nil, err
	}
	return &kvSnapshot{data: data}, nil
}

// Restore replaces the store contents from a snapshot stream.
func (f *kvFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return f.kv.Restore(data)
}

// kvSnapshot is a point-in-time dump handed to the raft snapshot sink.
type kvSnapshot struct {
	data []byte
}

// Persist writes the snapshot to the sink.
func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op; the dump holds no external resources.
func (s *kvSnapshot) Release() {}
