package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/types"
)

func recvType(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e, ok := <-sub:
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerConnectedSentinel(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	e := recvType(t, sub)
	assert.Equal(t, TypeConnected, e.Type)
	assert.Equal(t, SourceSystem, e.Source)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, SchemaVersion, e.SchemaVersion)
}

func TestBrokerDeliversInPublishOrder(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	recvType(t, sub) // connected

	inst := &types.Instance{
		ID:                "i-1",
		DefinitionName:    "net-fund",
		DefinitionVersion: "1.0.0",
		State:             types.InstanceScheduled,
		WorkerID:          "w-1",
		Ports:             map[string]int{"serial_1": 5041},
	}
	b.Publish(ForInstance(SourceScheduler, inst, ""))
	inst.State = types.InstanceInstantiating
	b.Publish(ForInstance(SourceController, inst, ""))

	first := recvType(t, sub)
	assert.Equal(t, TypeInstanceScheduled, first.Type)
	assert.Equal(t, "i-1", first.AggregateID)
	assert.Contains(t, string(first.Data), `"serial_1":5041`)

	second := recvType(t, sub)
	assert.Equal(t, TypeInstanceProvisioningStarted, second.Type)
}

func TestBrokerDropsForSlowSubscriberOnly(t *testing.T) {
	b := NewBroker(nil)
	b.enqueueTimeout = 5 * time.Millisecond
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(fast)
	recvType(t, fast)

	// Fill the slow subscriber's queue (it never reads; its buffer already
	// holds the connected sentinel).
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(New(SourceAPI, TypeInstancePending, "i-x", nil))
	}

	// The fast subscriber still receives everything published.
	received := 0
	deadline := time.After(3 * time.Second)
	for received < subscriberBuffer+10 {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
	_ = slow
}

func TestBrokerUnsubscribeDuringStalledDelivery(t *testing.T) {
	b := NewBroker(nil)
	b.enqueueTimeout = 20 * time.Millisecond
	b.Start()
	defer b.Stop()

	watcher := b.Subscribe()
	sawFinal := make(chan struct{})
	go func() {
		for e := range watcher {
			if e.Type == TypeInstanceStopped {
				close(sawFinal)
				return
			}
		}
	}()

	// Repeatedly park the distribution loop in a timed send to a full
	// subscriber, then unsubscribe that subscriber mid-send.
	for i := 0; i < 10; i++ {
		stalled := b.Subscribe()
		for j := 0; j < subscriberBuffer; j++ {
			b.Publish(New(SourceAPI, TypeInstancePending, "i-x", nil))
		}
		time.Sleep(time.Millisecond)
		b.Unsubscribe(stalled)
	}

	// The loop survived every unsubscribe and still delivers.
	b.Publish(New(SourceAPI, TypeInstanceStopped, "i-done", nil))
	select {
	case <-sawFinal:
	case <-time.After(5 * time.Second):
		t.Fatal("distribution stalled after unsubscribing a slow subscriber")
	}
	b.Unsubscribe(watcher)
}

func TestBrokerShutdownSentinelAndClose(t *testing.T) {
	b := NewBroker(nil)
	b.Start()

	sub := b.Subscribe()
	recvType(t, sub)

	b.Stop()

	e := recvType(t, sub)
	assert.Equal(t, TypeShutdown, e.Type)

	_, ok := <-sub
	assert.False(t, ok, "channel closes after shutdown sentinel")

	// Subscribing after stop yields a closed channel.
	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

type memArchive struct {
	mu     sync.Mutex
	events []*Event
}

func (a *memArchive) AppendEvent(e *Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func TestBrokerArchivesEveryPublish(t *testing.T) {
	archive := &memArchive{}
	b := NewBroker(archive)
	b.Start()
	defer b.Stop()

	// No subscribers at all: the audit trail still fills.
	b.Publish(New(SourceAPI, TypeDefinitionCreated, "net-fund", DefinitionData{Name: "net-fund", Version: "1.0.0"}))
	b.Publish(New(SourceController, TypeWorkerRunning, "w-1", nil))

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Len(t, archive.events, 2)
	assert.Equal(t, TypeDefinitionCreated, archive.events[0].Type)
}

func TestForWorkerEventMapping(t *testing.T) {
	tests := []struct {
		status types.WorkerStatus
		want   Type
	}{
		{types.WorkerPending, TypeWorkerPending},
		{types.WorkerProvisioning, TypeWorkerProvisioningStarted},
		{types.WorkerRunning, TypeWorkerRunning},
		{types.WorkerDraining, TypeWorkerDraining},
		{types.WorkerStopping, TypeWorkerStopping},
		{types.WorkerStopped, TypeWorkerStopped},
		{types.WorkerTerminated, TypeWorkerTerminated},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			w := &types.Worker{ID: "w-1", Status: tt.status, TemplateName: "metal-large"}
			e := ForWorker(SourceController, w, "")
			require.NotNil(t, e)
			assert.Equal(t, tt.want, e.Type)
			assert.Equal(t, "w-1", e.AggregateID)
		})
	}
}
