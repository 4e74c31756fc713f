package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventQueueChanged     = "queue_changed"
	EventNetworkChanged   = "network_changed"
	EventDrainStarted     = "drain_started"
	EventDrainFinished    = "drain_finished"
	EventOperationSynced  = "operation_synced"
	EventOperationFailed  = "operation_failed"
	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"
)

// QueueChangedPayload carries the per-status counts the UI queue indicator
// renders ("N pending", "Syncing...", conflict badges).
type QueueChangedPayload struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Conflict   int `json:"conflict"`
}

// NetworkChangedPayload describes a published connectivity transition.
type NetworkChangedPayload struct {
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

// DrainPayload summarizes a drain cycle.
type DrainPayload struct {
	DeviceID  string        `json:"device_id"`
	Completed int           `json:"completed,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	Conflicts int           `json:"conflicts,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// OperationPayload describes the outcome of a single queued operation.
type OperationPayload struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Event represents a lightweight in-process event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      int
	handler EventHandler
}

// EventBus provides in-process pub/sub. Handlers run synchronously on the
// publisher's goroutine; subscribers that need concurrency fan out themselves.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      int
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		_ = s.handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
