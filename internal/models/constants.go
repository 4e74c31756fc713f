package models

import "time"

// Operation types.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Queue entry statuses. Transitions only move forward along
// pending -> processing -> {completed | failed | conflict}; conflict may
// still reach completed once resolved.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusConflict   = "conflict"
)

// Entity types the surrounding app syncs. The queue itself is agnostic;
// these only matter for resolution policy defaults.
const (
	EntityProduct        = "product"
	EntityInventoryCount = "inventoryCount"
)

// Conflict resolution strategies.
const (
	StrategyServerWins = "server_wins"
	StrategyClientWins = "client_wins"
	StrategyMerge      = "merge"
	StrategyManual     = "manual"
)

// NetworkState is the process-wide connectivity state.
type NetworkState string

const (
	NetworkOnline  NetworkState = "online"
	NetworkOffline NetworkState = "offline"
)

// Drain outcomes reported in session state and events.
const (
	DrainCompleted       = "completed"
	DrainPartiallyFailed = "partially_failed"
)

// Well-known payload fields.
const (
	FieldVersion = "version"
	FieldID      = "id"
)

const (
	// DefaultMaxQueueSize is the queue capacity before Enqueue refuses
	// new operations.
	DefaultMaxQueueSize = 1000

	// DefaultMaxRetries bounds transient-failure retries per operation.
	DefaultMaxRetries = 5

	// DefaultBatchSize is how many entries a drain cycle pulls at once.
	DefaultBatchSize = 50

	// RemoteBatchLimit is the server-enforced cap on operations per
	// sync call; larger drains are split.
	RemoteBatchLimit = 100

	// DefaultDwellTime is how long a network state must hold before the
	// monitor publishes the transition.
	DefaultDwellTime = 500 * time.Millisecond

	// DefaultHeartbeatInterval is the connectivity probe period.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultInitialBackoff / DefaultMaxBackoff bound the retry schedule.
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute

	// DefaultRetention is how long completed entries are kept before the
	// maintenance loop purges them.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultSessionTTL is the Redis TTL for device session state.
	DefaultSessionTTL = 24 * time.Hour
)

// ValidOperationType reports whether t is a known operation type.
func ValidOperationType(t string) bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ValidStrategy reports whether s is a known resolution strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}
