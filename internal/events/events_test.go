package events

import (
	"encoding/json"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventQueueChanged, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventQueueChanged, QueueChangedPayload{Pending: 3, Conflict: 1})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventQueueChanged {
		t.Errorf("expected type %s, got %s", EventQueueChanged, received.Type)
	}

	var decoded QueueChangedPayload
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.Pending != 3 || decoded.Conflict != 1 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var count int

	unsubscribe := bus.Subscribe("event", func(_ *Event) error { count++; return nil })

	bus.Publish(&Event{Type: "event"})
	unsubscribe()
	bus.Publish(&Event{Type: "event"})
	unsubscribe() // second call is a no-op

	if count != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", count)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}
}
