package models

import "time"

// QueuedOperation is a single pending change captured while the device was
// offline (or deliberately deferred), persisted in the local sync queue until
// it has been replayed against the remote service.
type QueuedOperation struct {
	ID               string     `json:"id"`
	DeviceID         string     `json:"device_id"`
	OperationType    string     `json:"operation_type"`
	EntityType       string     `json:"entity_type"`
	EntityID         string     `json:"entity_id,omitempty"`
	Payload          Payload    `json:"payload"`
	OriginalPayload  Payload    `json:"original_payload,omitempty"`
	ServerState      Payload    `json:"server_state,omitempty"`
	Priority         int        `json:"priority"`
	Status           string     `json:"status"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	LastError        *string    `json:"last_error,omitempty"`
	ConflictStrategy *string    `json:"conflict_strategy,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// Terminal reports whether the operation has reached a state the sync engine
// will never pick up again on its own.
func (op *QueuedOperation) Terminal() bool {
	return op.Status == StatusCompleted || op.Status == StatusFailed
}

// RetriesExhausted reports whether another failure must mark the operation
// terminally failed instead of rescheduling it.
func (op *QueuedOperation) RetriesExhausted() bool {
	return op.RetryCount >= op.MaxRetries
}

// DeviceSession is the per-device sync bookkeeping kept in the session
// repository so the UI can show "last synced at" without touching the queue.
type DeviceSession struct {
	DeviceID     string    `json:"device_id"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	LastOutcome  string    `json:"last_outcome"`
	PendingCount int       `json:"pending_count"`
}
