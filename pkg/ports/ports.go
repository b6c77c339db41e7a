// Package ports leases concrete port numbers out of each worker's declared
// range. A definition's port template names the ports it needs; the allocator
// resolves those names to the lowest free integers on the selected worker and
// records the lease on the worker record itself, so placement and port state
// commit through the same optimistic concurrency path.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

// maxAttempts bounds the reload-and-retry loop around the worker CAS.
const maxAttempts = 3

var (
	// ErrAllocationConflict means the worker record kept changing underneath
	// the allocator for the whole retry budget. The caller restarts placement.
	ErrAllocationConflict = errors.New("port allocation conflict")

	// ErrRangeExhausted means the worker's range has fewer free ports than
	// the template asks for.
	ErrRangeExhausted = errors.New("port range exhausted")
)

// Allocator leases and releases ports against worker records in the
// coordination store. It is stateless; every operation is a read-modify-CAS
// on the worker.
type Allocator struct {
	kv storage.KV
}

// NewAllocator returns an allocator backed by the coordination store.
func NewAllocator(kv storage.KV) *Allocator {
	return &Allocator{kv: kv}
}

// Allocate leases one port per template entry on the given worker, assigning
// the lowest free numbers in template order. Allocating again for the same
// instance returns the existing lease unchanged, so a placement retry never
// leaks ports.
func (a *Allocator) Allocate(ctx context.Context, workerID, instanceID string, template []types.PortSpec) (map[string]int, error) {
	if len(template) == 0 {
		return map[string]int{}, nil
	}
	seen := make(map[string]bool, len(template))
	for _, spec := range template {
		if spec.Name == "" {
			return nil, fmt.Errorf("allocate ports on %s: unnamed port in template", workerID)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("allocate ports on %s: duplicate port name %q", workerID, spec.Name)
		}
		seen[spec.Name] = true
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		pair, err := a.kv.Get(ctx, storage.WorkerKey(workerID))
		if err != nil {
			return nil, fmt.Errorf("allocate ports on %s: %w", workerID, err)
		}
		var w types.Worker
		if err := json.Unmarshal(pair.Value, &w); err != nil {
			return nil, fmt.Errorf("allocate ports on %s: decode worker: %w", workerID, err)
		}

		if existing := allocationFor(&w, instanceID); existing != nil {
			return existing.Ports, nil
		}

		allocated, err := pick(&w, template)
		if err != nil {
			return nil, fmt.Errorf("allocate ports on %s for %s: %w", workerID, instanceID, err)
		}
		w.PortAllocations = append(w.PortAllocations, types.PortAllocation{
			InstanceID:  instanceID,
			Ports:       allocated,
			AllocatedAt: time.Now().UTC(),
		})
		w.Revision++

		if err := a.swap(ctx, workerID, pair.ModRevision, &w); err != nil {
			if storage.IsConflict(err) {
				continue
			}
			return nil, fmt.Errorf("allocate ports on %s: %w", workerID, err)
		}
		leasedGauge(&w)
		return allocated, nil
	}
	return nil, fmt.Errorf("allocate ports on %s for %s: %w", workerID, instanceID, ErrAllocationConflict)
}

// Release returns the instance's leased ports to the worker's free pool.
// Releasing an instance that holds no lease is a no-op.
func (a *Allocator) Release(ctx context.Context, workerID, instanceID string) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pair, err := a.kv.Get(ctx, storage.WorkerKey(workerID))
		if err != nil {
			if storage.IsNotFound(err) {
				// Worker already purged; nothing holds the lease anymore.
				return nil
			}
			return fmt.Errorf("release ports on %s: %w", workerID, err)
		}
		var w types.Worker
		if err := json.Unmarshal(pair.Value, &w); err != nil {
			return fmt.Errorf("release ports on %s: decode worker: %w", workerID, err)
		}

		idx := -1
		for i := range w.PortAllocations {
			if w.PortAllocations[i].InstanceID == instanceID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		w.PortAllocations = append(w.PortAllocations[:idx], w.PortAllocations[idx+1:]...)
		w.Revision++

		if err := a.swap(ctx, workerID, pair.ModRevision, &w); err != nil {
			if storage.IsConflict(err) {
				continue
			}
			return fmt.Errorf("release ports on %s: %w", workerID, err)
		}
		leasedGauge(&w)
		return nil
	}
	return fmt.Errorf("release ports on %s for %s: %w", workerID, instanceID, ErrAllocationConflict)
}

func (a *Allocator) swap(ctx context.Context, workerID string, expectedRev uint64, w *types.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worker: %w", err)
	}
	_, err = a.kv.CompareAndSwap(ctx, storage.WorkerKey(workerID), expectedRev, data)
	return err
}

// pick assigns the lowest free port numbers to the template entries in
// order, scanning the range once.
func pick(w *types.Worker, template []types.PortSpec) (map[string]int, error) {
	used := w.UsedPorts()
	allocated := make(map[string]int, len(template))
	next := w.PortRange.Lo
	for _, spec := range template {
		for next <= w.PortRange.Hi && used[next] {
			next++
		}
		if next > w.PortRange.Hi {
			return nil, fmt.Errorf("%w: need %d ports, range [%d, %d]",
				ErrRangeExhausted, len(template), w.PortRange.Lo, w.PortRange.Hi)
		}
		allocated[spec.Name] = next
		next++
	}
	return allocated, nil
}

func allocationFor(w *types.Worker, instanceID string) *types.PortAllocation {
	for i := range w.PortAllocations {
		if w.PortAllocations[i].InstanceID == instanceID {
			return &w.PortAllocations[i]
		}
	}
	return nil
}

func leasedGauge(w *types.Worker) {
	leased := 0
	for _, alloc := range w.PortAllocations {
		leased += len(alloc.Ports)
	}
	metrics.PortsLeased.WithLabelValues(w.ID).Set(float64(leased))
}
