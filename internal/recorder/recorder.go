package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stocksync/internal/database"
	"stocksync/internal/events"
	"stocksync/internal/models"
	"stocksync/internal/remote"
)

// Request describes a UI action to be recorded for sync.
type Request struct {
	OperationType string
	EntityType    string
	EntityID      string
	Payload       models.Payload
	// OriginalPayload is the entity as last fetched from the server, taken
	// before the user's edit. Updates and deletes without it lose diffed
	// merging and degrade to manual conflict review.
	OriginalPayload models.Payload
	Priority        int
	MaxRetries      int
}

// Sender is the direct-send surface of the remote client used by the
// online fast path.
type Sender interface {
	CreateEntity(ctx context.Context, entityType string, payload models.Payload) (models.Payload, error)
	UpdateEntity(ctx context.Context, entityType, entityID string, payload models.Payload, baseVersion int64) (models.Payload, error)
	DeleteEntity(ctx context.Context, entityType, entityID string, baseVersion int64) error
}

// ConnectivitySource reports the committed network state.
type ConnectivitySource interface {
	Online() bool
}

// Recorder turns UI actions into durable queue entries, or sends them
// straight to the server when the device is online.
type Recorder struct {
	db       *database.DB
	sender   Sender
	monitor  ConnectivitySource
	bus      *events.EventBus
	deviceID string
	logger   zerolog.Logger
}

func New(db *database.DB, sender Sender, monitor ConnectivitySource, bus *events.EventBus, deviceID string, logger *zerolog.Logger) *Recorder {
	return &Recorder{
		db:       db,
		sender:   sender,
		monitor:  monitor,
		bus:      bus,
		deviceID: deviceID,
		logger:   logger.With().Str("component", "recorder").Logger(),
	}
}

// Record validates the request and persists it as a pending queue entry.
func (r *Recorder) Record(ctx context.Context, req Request) (*models.QueuedOperation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	op := &models.QueuedOperation{
		ID:              uuid.NewString(),
		DeviceID:        r.deviceID,
		OperationType:   req.OperationType,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Payload:         req.Payload,
		OriginalPayload: req.OriginalPayload,
		Priority:        req.Priority,
		MaxRetries:      req.MaxRetries,
	}

	if err := r.db.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("operation_id", op.ID).
		Str("operation_type", op.OperationType).
		Str("entity_type", op.EntityType).
		Str("entity_id", op.EntityID).
		Msg("Operation queued")

	r.publishQueueChanged(ctx)
	return op, nil
}

// RecordOrSend tries the server directly when online and falls back to the
// queue when the attempt fails for a reason worth retrying. The returned
// operation is nil when the direct send succeeded. Validation rejections
// are returned to the caller immediately; queueing a payload the server
// will never accept only delays the same error.
func (r *Recorder) RecordOrSend(ctx context.Context, req Request) (*models.QueuedOperation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if r.monitor == nil || !r.monitor.Online() || r.sender == nil {
		return r.Record(ctx, req)
	}

	err := r.send(ctx, req)
	if err == nil {
		r.logger.Debug().
			Str("entity_type", req.EntityType).
			Str("entity_id", req.EntityID).
			Msg("Operation sent directly")
		return nil, nil
	}

	var ve *remote.ValidationError
	if errors.As(err, &ve) {
		return nil, err
	}

	// Transient failures, version conflicts and a server-side delete all
	// queue up: the drain cycle owns retries and conflict routing.
	r.logger.Debug().Err(err).Msg("Direct send failed, queueing")
	return r.Record(ctx, req)
}

func (r *Recorder) send(ctx context.Context, req Request) error {
	baseVersion := req.OriginalPayload.Version()

	switch req.OperationType {
	case models.OpCreate:
		_, err := r.sender.CreateEntity(ctx, req.EntityType, req.Payload)
		return err
	case models.OpUpdate:
		_, err := r.sender.UpdateEntity(ctx, req.EntityType, req.EntityID, req.Payload, baseVersion)
		return err
	case models.OpDelete:
		return r.sender.DeleteEntity(ctx, req.EntityType, req.EntityID, baseVersion)
	default:
		return fmt.Errorf("unknown operation type: %s", req.OperationType)
	}
}

func (r *Recorder) publishQueueChanged(ctx context.Context) {
	counts, err := r.db.Counts(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to read queue counts")
		return
	}
	if err := r.bus.PublishJSON(events.EventQueueChanged, events.QueueChangedPayload{
		Pending:    counts[models.StatusPending],
		Processing: counts[models.StatusProcessing],
		Failed:     counts[models.StatusFailed],
		Conflict:   counts[models.StatusConflict],
	}); err != nil {
		r.logger.Error().Err(err).Msg("Failed to publish queue change")
	}
}

func validate(req Request) error {
	if !models.ValidOperationType(req.OperationType) {
		return fmt.Errorf("unknown operation type: %s", req.OperationType)
	}
	if req.EntityType == "" {
		return errors.New("entity type is required")
	}
	switch req.OperationType {
	case models.OpCreate:
		if len(req.Payload) == 0 {
			return errors.New("create requires a payload")
		}
	case models.OpUpdate:
		if req.EntityID == "" {
			return errors.New("update requires an entity id")
		}
		if len(req.Payload) == 0 {
			return errors.New("update requires a payload")
		}
	case models.OpDelete:
		if req.EntityID == "" {
			return errors.New("delete requires an entity id")
		}
	}
	return nil
}
