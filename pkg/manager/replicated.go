package manager

import (
	"context"
	"time"

	"github.com/billetlabs/billet/pkg/storage"
)

// replicatedKV satisfies storage.KV on top of the raft log. Reads and
// watches come straight from the local store; every mutation is proposed
// as a command and takes effect once committed and applied. Mutations on a
// follower fail with ErrNotLeader.
type replicatedKV struct {
	m *Manager
}

var _ storage.KV = (*replicatedKV)(nil)

func (r *replicatedKV) Get(ctx context.Context, key string) (*storage.KVPair, error) {
	return r.m.kv.Get(ctx, key)
}

func (r *replicatedKV) List(ctx context.Context, prefix string) ([]storage.KVPair, uint64, error) {
	return r.m.kv.List(ctx, prefix)
}

func (r *replicatedKV) Watch(ctx context.Context, prefix string, fromRev uint64) (<-chan storage.WatchEvent, error) {
	return r.m.kv.Watch(ctx, prefix, fromRev)
}

func (r *replicatedKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	res, err := r.propose(ctx, storage.OpPut, storage.PutRequest{Key: key, Value: value})
	if err != nil {
		return 0, err
	}
	return res.Revision, nil
}

func (r *replicatedKV) Create(ctx context.Context, key string, value []byte, lease storage.LeaseID) (uint64, error) {
	res, err := r.propose(ctx, storage.OpCreate, storage.PutRequest{Key: key, Value: value, Lease: lease})
	if err != nil {
		return 0, err
	}
	return res.Revision, nil
}

func (r *replicatedKV) CompareAndSwap(ctx context.Context, key string, expectedRev uint64, value []byte) (uint64, error) {
	res, err := r.propose(ctx, storage.OpCAS, storage.CASRequest{Key: key, ExpectedRev: expectedRev, Value: value})
	if err != nil {
		return 0, err
	}
	return res.Revision, nil
}

func (r *replicatedKV) Delete(ctx context.Context, key string, expectedRev uint64) (uint64, error) {
	res, err := r.propose(ctx, storage.OpDelete, storage.DeleteRequest{Key: key, ExpectedRev: expectedRev})
	if err != nil {
		return 0, err
	}
	return res.Revision, nil
}

// Grant proposes a lease with a proposer-chosen id and timestamp, so the
// apply is deterministic on every replica. Id collisions roll a fresh one.
func (r *replicatedKV) Grant(ctx context.Context, ttl time.Duration) (storage.LeaseID, error) {
	for {
		id := storage.NewLeaseID()
		_, err := r.propose(ctx, storage.OpGrant, storage.GrantRequest{
			ID:         id,
			TTLSeconds: int64(ttl / time.Second),
			NowNanos:   time.Now().UnixNano(),
		})
		if err == nil {
			return id, nil
		}
		if !storage.IsConflict(err) {
			return 0, err
		}
	}
}

func (r *replicatedKV) Renew(ctx context.Context, id storage.LeaseID) error {
	_, err := r.propose(ctx, storage.OpRenew, storage.RenewRequest{ID: id, NowNanos: time.Now().UnixNano()})
	return err
}

func (r *replicatedKV) Revoke(ctx context.Context, id storage.LeaseID) error {
	_, err := r.propose(ctx, storage.OpRevoke, storage.RevokeRequest{ID: id})
	return err
}

// Close is a no-op; the Manager owns the underlying store's lifecycle.
func (r *replicatedKV) Close() error {
	return nil
}

func (r *replicatedKV) propose(ctx context.Context, op string, payload interface{}) (*storage.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := storage.NewCommand(op, payload)
	if err != nil {
		return nil, err
	}
	return r.m.Apply(cmd)
}
