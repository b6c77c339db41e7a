package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Coordination-store key schema. All control plane state that needs watches
// or optimistic concurrency lives under these prefixes.
const (
	PrefixInstances = "/instances/"
	PrefixWorkers   = "/workers/"
	PrefixLeader    = "/leader/"
	PrefixScaleUp   = "/scaleup/"
)

// InstanceKey returns the coordination-store key for an instance record.
func InstanceKey(id string) string { return PrefixInstances + id }

// WorkerKey returns the coordination-store key for a worker record.
func WorkerKey(id string) string { return PrefixWorkers + id }

// LeaderKey returns the election key for a control loop role.
func LeaderKey(role string) string { return PrefixLeader + role }

// ScaleUpKey returns the dedupe key for an outstanding scale-up demand.
func ScaleUpKey(template, reason string) string {
	return PrefixScaleUp + template + "/" + reason
}

// LeaseID identifies a TTL lease. Zero means no lease.
type LeaseID int64

// KVPair is one stored key with its concurrency metadata.
type KVPair struct {
	Key            string  `json:"key"`
	Value          []byte  `json:"value"`
	CreateRevision uint64  `json:"create_revision"`
	ModRevision    uint64  `json:"mod_revision"`
	Lease          LeaseID `json:"lease,omitempty"`
}

// EventType tags a watch event.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
	// EventCompacted is sent once when a watcher has fallen behind the
	// retained window; the stream closes right after. The watcher must
	// re-list and re-watch from the list revision.
	EventCompacted EventType = "COMPACTED"
)

// WatchEvent is one ordered change notification. For DELETE events Value is
// nil and ModRevision is the revision of the deletion.
type WatchEvent struct {
	Type EventType `json:"type"`
	KV   KVPair    `json:"kv"`
}

// Revision returns the store revision the event was committed at.
func (e WatchEvent) Revision() uint64 {
	return e.KV.ModRevision
}

// KV is the coordination store: a linearizable key-value space with watch
// streams, revisions for optimistic concurrency, and TTL leases. The bbolt
// implementation serves a single process; the raft wrapper in pkg/manager
// replicates the same contract across control plane nodes.
type KV interface {
	// Get returns the pair or ErrNotFound.
	Get(ctx context.Context, key string) (*KVPair, error)

	// List returns every pair under prefix together with the store revision
	// the listing is consistent at. Watches resume from that revision.
	List(ctx context.Context, prefix string) ([]KVPair, uint64, error)

	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Create writes only if the key is absent, optionally bound to a lease.
	// Returns ErrAlreadyExists when the key is present.
	Create(ctx context.Context, key string, value []byte, lease LeaseID) (uint64, error)

	// CompareAndSwap replaces the value only if the current ModRevision
	// equals expectedRev. expectedRev zero means create-only. Returns
	// ErrConflict (or ErrAlreadyExists for zero) when the guard fails.
	CompareAndSwap(ctx context.Context, key string, expectedRev uint64, value []byte) (uint64, error)

	// Delete removes the key if the current ModRevision equals expectedRev;
	// zero deletes unconditionally. Returns ErrNotFound when absent.
	Delete(ctx context.Context, key string, expectedRev uint64) (uint64, error)

	// Watch streams ordered events for keys under prefix, starting after
	// fromRev (zero = from now). The channel closes when ctx is cancelled,
	// the store closes, or after an EventCompacted sentinel.
	Watch(ctx context.Context, prefix string, fromRev uint64) (<-chan WatchEvent, error)

	// Grant creates a lease. Keys bound to it are deleted when it expires.
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)

	// Renew extends a lease by its original TTL from now.
	Renew(ctx context.Context, id LeaseID) error

	// Revoke drops the lease and deletes all keys bound to it.
	Revoke(ctx context.Context, id LeaseID) error

	Close() error
}

// Command op codes for the replicated apply path. Every mutation of the
// coordination store is expressed as one of these, whether applied locally
// or through the raft log.
const (
	OpPut          = "put"
	OpCreate       = "create"
	OpCAS          = "cas"
	OpDelete       = "delete"
	OpGrant        = "grant"
	OpRenew        = "renew"
	OpRevoke       = "revoke"
	OpExpireLeases = "expire_leases"
)

// Command is the serialized form of a single mutation.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewCommand marshals payload into a Command envelope.
func NewCommand(op string, payload interface{}) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// PutRequest backs OpPut and OpCreate.
type PutRequest struct {
	Key   string  `json:"key"`
	Value []byte  `json:"value"`
	Lease LeaseID `json:"lease,omitempty"`
}

// CASRequest backs OpCAS.
type CASRequest struct {
	Key         string `json:"key"`
	ExpectedRev uint64 `json:"expected_rev"`
	Value       []byte `json:"value"`
}

// DeleteRequest backs OpDelete.
type DeleteRequest struct {
	Key         string `json:"key"`
	ExpectedRev uint64 `json:"expected_rev"`
}

// GrantRequest backs OpGrant. The proposer chooses the id and timestamp so
// the apply is deterministic on every replica.
type GrantRequest struct {
	ID         LeaseID `json:"id"`
	TTLSeconds int64   `json:"ttl_seconds"`
	NowNanos   int64   `json:"now_nanos"`
}

// RenewRequest backs OpRenew.
type RenewRequest struct {
	ID       LeaseID `json:"id"`
	NowNanos int64   `json:"now_nanos"`
}

// RevokeRequest backs OpRevoke.
type RevokeRequest struct {
	ID LeaseID `json:"id"`
}

// ExpireRequest backs OpExpireLeases. Only the node that owns the sweep
// proposes it; the timestamp travels with the command.
type ExpireRequest struct {
	NowNanos int64 `json:"now_nanos"`
}

// ApplyResult is what a command application yields.
type ApplyResult struct {
	Revision uint64 `json:"revision"`
	// Expired lists leases removed by an OpExpireLeases apply.
	Expired []LeaseID `json:"expired,omitempty"`
}
