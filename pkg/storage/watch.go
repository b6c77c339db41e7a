package storage

import (
	"context"
	"strings"
	"sync"
)

// watchRingSize bounds the replay window. Watchers that fall further behind
// than this receive EventCompacted and must re-list.
const watchRingSize = 4096

// subscriberBuffer is the per-watcher channel depth.
const subscriberBuffer = 64

// watchHub fans committed events out to watchers. Events enter in revision
// order (the publisher holds the store's apply lock) and are retained in a
// ring so reconnecting watchers can resume by revision.
type watchHub struct {
	mu sync.Mutex

	ring  []WatchEvent
	start int // index of oldest retained event
	count int

	// compactedRev is the highest revision evicted from the ring.
	compactedRev uint64

	// notify is closed and replaced on every publish; waiters re-grab it.
	notify chan struct{}

	closed bool
}

func newWatchHub() *watchHub {
	return &watchHub{
		ring:   make([]WatchEvent, watchRingSize),
		notify: make(chan struct{}),
	}
}

// publish appends events and wakes all waiters. Caller guarantees revision
// order across calls.
func (h *watchHub) publish(events ...WatchEvent) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, e := range events {
		if h.count == len(h.ring) {
			h.compactedRev = h.ring[h.start].Revision()
			h.start = (h.start + 1) % len(h.ring)
			h.count--
		}
		h.ring[(h.start+h.count)%len(h.ring)] = e
		h.count++
	}
	close(h.notify)
	h.notify = make(chan struct{})
}

// compactTo marks everything at or below rev as unavailable for replay.
// Used after a snapshot restore invalidates the in-memory window.
func (h *watchHub) compactTo(rev uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rev > h.compactedRev {
		h.compactedRev = rev
	}
	h.start, h.count = 0, 0
	close(h.notify)
	h.notify = make(chan struct{})
}

// close wakes every watcher; their streams drain and close.
func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
}

// next returns retained events for prefix with revision > afterRev. When
// none are pending it returns the cursor position to advance to (the head
// revision at this instant) and the channel to wait on, all decided under
// one lock so no concurrent publish can slip between.
func (h *watchHub) next(prefix string, afterRev uint64) (events []WatchEvent, advanceTo uint64, wait <-chan struct{}, compacted, closed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, 0, nil, false, true
	}
	if afterRev < h.compactedRev {
		return nil, h.compactedRev, nil, true, false
	}
	for i := 0; i < h.count; i++ {
		e := h.ring[(h.start+i)%len(h.ring)]
		if e.Revision() <= afterRev {
			continue
		}
		if strings.HasPrefix(e.KV.Key, prefix) {
			events = append(events, e)
		}
	}
	if len(events) > 0 {
		return events, 0, nil, false, false
	}
	head := afterRev
	if h.count > 0 {
		if r := h.ring[(h.start+h.count-1)%len(h.ring)].Revision(); r > head {
			head = r
		}
	}
	return nil, head, h.notify, false, false
}

// watch starts a goroutine streaming events for prefix after fromRev.
func (h *watchHub) watch(ctx context.Context, prefix string, fromRev uint64) (<-chan WatchEvent, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if fromRev > 0 && fromRev < h.compactedRev {
		h.mu.Unlock()
		return nil, ErrCompacted
	}
	cursor := fromRev
	if cursor == 0 {
		// From now: skip everything already retained.
		cursor = h.compactedRev
		if h.count > 0 {
			cursor = h.ring[(h.start+h.count-1)%len(h.ring)].Revision()
		}
	}
	h.mu.Unlock()

	out := make(chan WatchEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			events, advanceTo, wait, compacted, closed := h.next(prefix, cursor)
			if closed {
				return
			}
			if compacted {
				select {
				case out <- WatchEvent{Type: EventCompacted, KV: KVPair{ModRevision: advanceTo}}:
				case <-ctx.Done():
				}
				return
			}
			if len(events) == 0 {
				cursor = advanceTo
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return
				}
			}
			for _, e := range events {
				select {
				case out <- e:
					cursor = e.Revision()
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
