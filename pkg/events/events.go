package events

import (
	"sync"
	"time"

	"github.com/billetlabs/billet/pkg/metrics"
)

const (
	// eventBuffer is the main fan-out queue depth.
	eventBuffer = 100
	// subscriberBuffer is the per-subscriber queue depth.
	subscriberBuffer = 50
	// defaultEnqueueTimeout bounds how long a broadcast waits on one slow
	// subscriber before dropping the event for it.
	defaultEnqueueTimeout = 100 * time.Millisecond
	// heartbeatInterval is the keep-alive cadence.
	heartbeatInterval = 30 * time.Second
)

// Archive persists every published event, independent of subscriber queues.
// Implemented by the document store.
type Archive interface {
	AppendEvent(event *Event) error
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Per-entity ordering
// follows publish order: a single loop drains the main queue, so events for
// one aggregate are always delivered in the order they were published.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex

	eventCh chan *Event
	closeCh chan Subscriber
	stopCh  chan struct{}
	doneCh  chan struct{}

	archive        Archive
	enqueueTimeout time.Duration

	stopOnce sync.Once
	stopped  bool
}

// NewBroker creates a new event broker. archive may be nil when persistence
// is handled elsewhere (tests).
func NewBroker(archive Archive) *Broker {
	return &Broker{
		subscribers:    make(map[Subscriber]bool),
		eventCh:        make(chan *Event, eventBuffer),
		closeCh:        make(chan Subscriber, 16),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		archive:        archive,
		enqueueTimeout: defaultEnqueueTimeout,
	}
}

// Start begins the broker's distribution loop and heartbeat.
func (b *Broker) Start() {
	go b.run()
}

// Stop emits the shutdown sentinel, closes every subscriber channel, and
// ends the distribution loop.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh

		b.mu.Lock()
		b.stopped = true
		subs := make([]Subscriber, 0, len(b.subscribers))
		for sub := range b.subscribers {
			subs = append(subs, sub)
		}
		b.mu.Unlock()

		shutdown := New(SourceSystem, TypeShutdown, "", nil)
		for _, sub := range subs {
			select {
			case sub <- shutdown:
			default:
			}
		}

		b.mu.Lock()
		for sub := range b.subscribers {
			delete(b.subscribers, sub)
			close(sub)
		}
		metrics.EventSubscribers.Set(0)
		b.mu.Unlock()
	})
}

// Subscribe registers a new subscriber. The first event on the channel is
// the connected sentinel; consumers resume coarse state via an API snapshot
// rather than stream replay.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	if b.stopped {
		close(sub)
		return sub
	}
	sub <- New(SourceSystem, TypeConnected, "", nil)
	b.subscribers[sub] = true
	metrics.EventSubscribers.Set(float64(len(b.subscribers)))
	return sub
}

// Unsubscribe removes a subscription. The channel is handed to the
// distribution loop for closing, so a close never overlaps an in-flight
// send from broadcast.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	if !b.subscribers[sub] {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sub)
	metrics.EventSubscribers.Set(float64(len(b.subscribers)))
	b.mu.Unlock()

	select {
	case b.closeCh <- sub:
	case <-b.stopCh:
		// The loop is gone. The channel is already out of the map, so it
		// receives nothing more and gets collected.
	}
}

// Publish archives the event and queues it for fan-out. Archival happens
// before fan-out so the audit trail never depends on subscriber health.
func (b *Broker) Publish(event *Event) {
	if event == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if b.archive != nil {
		_ = b.archive.AppendEvent(event)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case sub := <-b.closeCh:
			close(sub)
		case <-heartbeat.C:
			b.broadcast(New(SourceSystem, TypeHeartbeat, "", nil))
		case <-b.stopCh:
			// Drain whatever was queued before the stop signal.
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				case sub := <-b.closeCh:
					close(sub)
				default:
					return
				}
			}
		}
	}
}

// broadcast delivers to every subscriber, waiting at most enqueueTimeout
// for each full queue before dropping the event for that subscriber.
func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var timer *time.Timer
	for _, sub := range subs {
		select {
		case sub <- event:
			continue
		default:
		}
		if timer == nil {
			timer = time.NewTimer(b.enqueueTimeout)
		} else {
			timer.Reset(b.enqueueTimeout)
		}
		select {
		case sub <- event:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			metrics.EventsDropped.Inc()
		}
	}
	if timer != nil {
		timer.Stop()
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
