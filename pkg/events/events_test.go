package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{Type: EventTaskSubmitted, TaskID: "t1"})

	select {
	case event := <-sub:
		require.Equal(t, EventTaskSubmitted, event.Type)
		assert.Equal(t, "t1", event.TaskID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventWorkerJoined, WorkerID: "w1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case event := <-sub:
			assert.Equal(t, EventWorkerJoined, event.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBrokerUnsubscribeIdempotent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub) // must not panic on double close
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestBrokerStopIdempotent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()
	broker.Stop() // safe to call twice
}

func TestBrokerSlowSubscriberDropped(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	// Fill well past the subscriber buffer; publishes must not block.
	for i := 0; i < 200; i++ {
		broker.Publish(&Event{Type: EventTaskProgress})
	}

	// The subscriber still sees up to its buffer worth of events.
	received := 0
	deadline := time.After(2 * time.Second)
	for received < 50 {
		select {
		case <-sub:
			received++
		case <-deadline:
			t.Fatalf("only received %d events", received)
		}
	}
}
