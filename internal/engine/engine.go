package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"stocksync/internal/database"
	"stocksync/internal/events"
	"stocksync/internal/metrics"
	"stocksync/internal/models"
	"stocksync/internal/remote"
	"stocksync/internal/resolver"
)

const deadLetterKey = "stocksync:deadletter"

// RemoteClient is the server surface the engine drains into.
type RemoteClient interface {
	SendBatch(ctx context.Context, ops []models.QueuedOperation) ([]remote.OperationResult, error)
	UpdateEntity(ctx context.Context, entityType, entityID string, payload models.Payload, baseVersion int64) (models.Payload, error)
	DeleteEntity(ctx context.Context, entityType, entityID string, baseVersion int64) error
}

// ConnectivitySource reports the committed network state.
type ConnectivitySource interface {
	Online() bool
}

// SessionStore records per-device sync bookkeeping after each drain.
type SessionStore interface {
	SetSession(ctx context.Context, session *models.DeviceSession) error
}

// Engine drains the durable queue into the remote API. One drain cycle runs
// at a time; triggers arriving mid-drain coalesce into at most one follow-up
// cycle.
type Engine struct {
	db       *database.DB
	client   RemoteClient
	resolver *resolver.Resolver
	monitor  ConnectivitySource
	bus      *events.EventBus
	sessions SessionStore
	redis    *redis.Client

	retryPolicy RetryPolicy
	batchSize   int
	deviceID    string
	logger      zerolog.Logger

	triggers chan struct{}
	draining atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	timerMu    sync.Mutex
	retryTimer *time.Timer

	unsubscribe func()
}

// Options carries the engine's tunables and optional collaborators.
type Options struct {
	RetryPolicy RetryPolicy
	BatchSize   int
	DeviceID    string
	Sessions    SessionStore
	Redis       *redis.Client
}

func New(db *database.DB, client RemoteClient, res *resolver.Resolver, monitor ConnectivitySource, bus *events.EventBus, opts Options, logger *zerolog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = models.DefaultBatchSize
	}
	if opts.BatchSize > models.RemoteBatchLimit {
		opts.BatchSize = models.RemoteBatchLimit
	}
	if opts.RetryPolicy.MaxRetries == 0 {
		opts.RetryPolicy.MaxRetries = models.DefaultMaxRetries
	}
	if opts.RetryPolicy.InitialDelay == 0 {
		opts.RetryPolicy.InitialDelay = models.DefaultInitialBackoff
	}
	if opts.RetryPolicy.MaxDelay == 0 {
		opts.RetryPolicy.MaxDelay = models.DefaultMaxBackoff
	}

	return &Engine{
		db:          db,
		client:      client,
		resolver:    res,
		monitor:     monitor,
		bus:         bus,
		sessions:    opts.Sessions,
		redis:       opts.Redis,
		retryPolicy: opts.RetryPolicy,
		batchSize:   opts.BatchSize,
		deviceID:    opts.DeviceID,
		logger:      logger.With().Str("component", "engine").Logger(),
		triggers:    make(chan struct{}, 1),
	}
}

// Start launches the drain loop and hooks connectivity transitions so
// coming back online drains immediately.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sync engine already running")
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.unsubscribe = e.bus.Subscribe(events.EventNetworkChanged, func(event *events.Event) error {
		var payload events.NetworkChangedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		if payload.State == string(models.NetworkOnline) {
			e.TriggerDrain()
		}
		return nil
	})

	e.wg.Add(1)
	go e.run(ctx)

	if e.monitor.Online() {
		e.TriggerDrain()
	}

	e.logger.Info().Int("batch_size", e.batchSize).Msg("Sync engine started")
	return nil
}

// Stop halts the drain loop after the current batch settles and cancels any
// pending retry timer.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.clearRetryTimer()
	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Sync engine stopped")
}

// TriggerDrain requests a drain cycle. Never blocks; a trigger arriving
// while a drain is running or already requested is coalesced.
func (e *Engine) TriggerDrain() {
	select {
	case e.triggers <- struct{}{}:
	default:
	}
}

// Draining reports whether a drain cycle is in flight.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// ResolveManually settles a conflicted entry with a user-chosen strategy.
func (e *Engine) ResolveManually(ctx context.Context, id, strategy string) error {
	op, err := e.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusConflict {
		return fmt.Errorf("operation %s is %s, not in conflict", id, op.Status)
	}

	outcome, err := e.resolver.Apply(op, op.ServerState, strategy)
	if err != nil {
		return err
	}
	return e.settle(ctx, op, outcome)
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.triggers:
			e.drain(ctx)
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	if !e.monitor.Online() {
		return
	}
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	started := time.Now()
	var completed, failed, conflicts int

	if err := e.bus.PublishJSON(events.EventDrainStarted, events.DrainPayload{DeviceID: e.deviceID}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to publish drain start")
	}

	for {
		// Cancellation and connectivity loss take effect at batch
		// boundaries; the in-flight batch always settles.
		if ctx.Err() != nil || !e.monitor.Online() {
			break
		}

		batch, err := e.db.DequeueBatch(ctx, e.batchSize)
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to dequeue batch")
			break
		}
		if len(batch) == 0 {
			break
		}

		c, f, cf, transportErr := e.sendBatch(ctx, batch)
		completed += c
		failed += f
		conflicts += cf
		if transportErr != nil {
			e.logger.Warn().Err(transportErr).Msg("Batch send failed, stopping drain")
			break
		}
	}

	conflicts += e.resolveConflicts(ctx)

	duration := time.Since(started)
	outcome := models.DrainCompleted
	if failed > 0 {
		outcome = models.DrainPartiallyFailed
	}

	metrics.ObserveDrain(duration.Seconds())
	e.publishQueueChanged(ctx)
	e.updateSession(ctx, outcome)

	if err := e.bus.PublishJSON(events.EventDrainFinished, events.DrainPayload{
		DeviceID:  e.deviceID,
		Completed: completed,
		Failed:    failed,
		Conflicts: conflicts,
		Outcome:   outcome,
		Duration:  duration,
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to publish drain finish")
	}

	e.logger.Info().
		Int("completed", completed).
		Int("failed", failed).
		Int("conflicts", conflicts).
		Dur("duration", duration).
		Msg("Drain cycle finished")
}

// sendBatch pushes one dequeued batch and settles every entry it pulled.
// Entries without a server verdict (the transport died mid-flight) go back
// to pending with backoff.
func (e *Engine) sendBatch(ctx context.Context, batch []models.QueuedOperation) (completed, failed, conflicts int, transportErr error) {
	results, transportErr := e.client.SendBatch(ctx, batch)

	verdicts := make(map[string]remote.OperationResult, len(results))
	for _, res := range results {
		verdicts[res.OperationID] = res
	}

	for i := range batch {
		op := &batch[i]
		res, ok := verdicts[op.ID]
		if !ok {
			e.retryLater(ctx, op, transportErr)
			continue
		}

		switch res.Status {
		case remote.ResultOK:
			if err := e.db.MarkCompleted(ctx, op.ID); err != nil {
				e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to mark completed")
				continue
			}
			completed++
			metrics.IncSynced(models.StatusCompleted)
			e.publishOperation(events.EventOperationSynced, op, "", "")

		case remote.ResultConflict:
			if err := e.db.MarkConflict(ctx, op.ID, res.ServerState); err != nil {
				e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to mark conflict")
				continue
			}
			conflicts++
			e.publishOperation(events.EventConflictDetected, op, "", res.Error)

		default:
			if err := e.db.MarkFailedPermanent(ctx, op.ID, res.Error); err != nil {
				e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to mark failed")
				continue
			}
			failed++
			metrics.IncSynced(models.StatusFailed)
			e.pushDeadLetter(ctx, op, res.Error)
			e.publishOperation(events.EventOperationFailed, op, "", res.Error)
		}
	}
	return completed, failed, conflicts, transportErr
}

func (e *Engine) retryLater(ctx context.Context, op *models.QueuedOperation, cause error) {
	msg := "batch send failed"
	if cause != nil {
		msg = cause.Error()
	}

	delay := e.retryPolicy.NextDelayJitter(op.RetryCount + 1)
	nextRetryAt := time.Now().Add(delay)

	terminal, err := e.db.MarkFailed(ctx, op.ID, msg, &nextRetryAt)
	if err != nil {
		e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to record retry")
		return
	}
	if terminal {
		metrics.IncSynced(models.StatusFailed)
		e.pushDeadLetter(ctx, op, msg)
		e.publishOperation(events.EventOperationFailed, op, "", msg)
		e.logger.Warn().
			Str("operation_id", op.ID).
			Int("retries", op.RetryCount+1).
			Msg("Retries exhausted")
		return
	}

	e.scheduleRetry(delay)
	e.logger.Debug().
		Str("operation_id", op.ID).
		Dur("delay", delay).
		Msg("Retry scheduled")
}

// resolveConflicts runs the policy over conflicted entries. Manual entries
// stay put; automatic strategies settle or refresh server state for the
// next pass.
func (e *Engine) resolveConflicts(ctx context.Context) int {
	ops, err := e.db.ListByStatus(ctx, models.StatusConflict)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to list conflicts")
		return 0
	}

	unresolved := 0
	for i := range ops {
		op := &ops[i]
		outcome := e.resolver.Resolve(op, op.ServerState)
		if outcome.Manual {
			unresolved++
			continue
		}
		if err := e.settle(ctx, op, outcome); err != nil {
			e.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("Conflict not settled")
			unresolved++
		}
	}
	return unresolved
}

// settle finishes a resolved conflict: either the server's state stands, or
// the resolved payload is pushed back.
func (e *Engine) settle(ctx context.Context, op *models.QueuedOperation, outcome resolver.Outcome) error {
	if !outcome.Discard {
		if err := e.pushResolution(ctx, op, outcome); err != nil {
			return err
		}
	}

	if err := e.db.MarkResolved(ctx, op.ID, outcome.Strategy); err != nil {
		return err
	}

	metrics.IncConflict(outcome.Strategy)
	metrics.IncSynced(models.StatusCompleted)
	e.publishOperation(events.EventConflictResolved, op, outcome.Strategy, "")
	e.publishQueueChanged(ctx)

	e.logger.Info().
		Str("operation_id", op.ID).
		Str("strategy", outcome.Strategy).
		Strs("divergences", outcome.Divergences).
		Msg("Conflict resolved")
	return nil
}

func (e *Engine) pushResolution(ctx context.Context, op *models.QueuedOperation, outcome resolver.Outcome) error {
	if op.OperationType == models.OpDelete {
		return e.client.DeleteEntity(ctx, op.EntityType, op.EntityID, 0)
	}

	// A merge resend is conditional on the server state the merge was built
	// from; client-wins overwrites unconditionally.
	var baseVersion int64
	if outcome.Strategy == models.StrategyMerge {
		baseVersion = op.ServerState.Version()
	}

	_, err := e.client.UpdateEntity(ctx, op.EntityType, op.EntityID, outcome.Payload, baseVersion)

	var ce *remote.ConflictError
	if errors.As(err, &ce) {
		// The server moved again. Refresh the snapshot and let the next
		// pass re-merge against it.
		if updErr := e.db.UpdateServerState(ctx, op.ID, ce.ServerState); updErr != nil {
			e.logger.Error().Err(updErr).Str("operation_id", op.ID).Msg("Failed to refresh server state")
		}
		return err
	}
	return err
}

func (e *Engine) scheduleRetry(delay time.Duration) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, e.TriggerDrain)
}

func (e *Engine) clearRetryTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) pushDeadLetter(ctx context.Context, op *models.QueuedOperation, cause string) {
	if e.redis == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"operation": op,
		"error":     cause,
		"failed_at": time.Now(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := e.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to push dead letter")
	}
}

func (e *Engine) updateSession(ctx context.Context, outcome string) {
	if e.sessions == nil {
		return
	}
	pending, err := e.db.Size(ctx, models.StatusPending)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to count pending entries")
		return
	}
	if err := e.sessions.SetSession(ctx, &models.DeviceSession{
		DeviceID:     e.deviceID,
		LastSyncAt:   time.Now(),
		LastOutcome:  outcome,
		PendingCount: pending,
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to update device session")
	}
}

func (e *Engine) publishOperation(eventType string, op *models.QueuedOperation, strategy, errMsg string) {
	if err := e.bus.PublishJSON(eventType, events.OperationPayload{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Strategy:    strategy,
		Error:       errMsg,
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to publish operation event")
	}
}

func (e *Engine) publishQueueChanged(ctx context.Context) {
	counts, err := e.db.Counts(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to read queue counts")
		return
	}
	for _, status := range []string{models.StatusPending, models.StatusProcessing, models.StatusFailed, models.StatusConflict} {
		metrics.SetQueueDepth(status, counts[status])
	}
	if err := e.bus.PublishJSON(events.EventQueueChanged, events.QueueChangedPayload{
		Pending:    counts[models.StatusPending],
		Processing: counts[models.StatusProcessing],
		Failed:     counts[models.StatusFailed],
		Conflict:   counts[models.StatusConflict],
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to publish queue change")
	}
}
