// Package events implements the durable server-to-client sync event queue.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	// DefaultDeliveredRetention bounds how long delivered events are kept.
	DefaultDeliveredRetention = 7 * 24 * time.Hour
	// DefaultPendingRetention bounds how long undelivered events are kept before forcing a resync.
	DefaultPendingRetention = 30 * 24 * time.Hour
	defaultSweepBatchSize   = 500

	// ResyncReasonPendingExpired marks users who lost undelivered events to the retention sweep.
	ResyncReasonPendingExpired = "pending_events_expired"
	// ResyncReasonEnqueueFailed marks users whose notification could not be persisted.
	ResyncReasonEnqueueFailed = "enqueue_failed"

	opQueueNew      = "events.queue.new"
	opEnqueue       = "events.enqueue"
	opDrainPending  = "events.drain_pending"
	opSweep         = "events.sweep"
	opFlagResync    = "events.flag_resync"
	opConsumeResync = "events.consume_resync"
	opListPending   = "events.list_pending"
	opCountPending  = "events.count_pending"

	logMessage = "events service error"

	fieldUserID  = "user_id"
	fieldItemID  = "item_id"
	fieldEventID = "event_id"

	queryPendingForUser = "user_id = ? AND delivered_at_ms IS NULL"
	orderCreatedAsc     = "created_at_ms ASC, event_id ASC"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPayload    = errors.New("payload is required")
)

// QueueConfig describes the dependencies of the event queue.
type QueueConfig struct {
	Database           *gorm.DB
	Clock              func() time.Time
	IDProvider         ids.Provider
	Logger             *zap.Logger
	Metrics            metrics.Recorder
	DeliveredRetention time.Duration
	PendingRetention   time.Duration
	SweepBatchSize     int
}

// Queue is the persisted append-only event log with atomic drain-and-mark.
type Queue struct {
	db                 *gorm.DB
	clock              func() time.Time
	idProvider         ids.Provider
	logger             *zap.Logger
	metrics            metrics.Recorder
	deliveredRetention time.Duration
	pendingRetention   time.Duration
	sweepBatchSize     int
}

// NewQueue validates the configuration and constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, svcerr.New(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deliveredRetention := cfg.DeliveredRetention
	if deliveredRetention <= 0 {
		deliveredRetention = DefaultDeliveredRetention
	}
	pendingRetention := cfg.PendingRetention
	if pendingRetention <= 0 {
		pendingRetention = DefaultPendingRetention
	}
	batchSize := cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	return &Queue{
		db:                 cfg.Database,
		clock:              clock,
		idProvider:         cfg.IDProvider,
		logger:             logger,
		metrics:            metrics.OrNoop(cfg.Metrics),
		deliveredRetention: deliveredRetention,
		pendingRetention:   pendingRetention,
		sweepBatchSize:     batchSize,
	}, nil
}

// WithTx returns a copy of the queue bound to the provided transaction.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	bound := *q
	bound.db = tx
	return &bound
}

// EnqueueRequest describes a notification to append.
type EnqueueRequest struct {
	UserID       ids.UserID
	ItemID       ids.ItemID
	TargetDevice ids.DeviceID
	Payload      Payload
}

// Enqueue appends a pending event.
func (q *Queue) Enqueue(ctx context.Context, request EnqueueRequest) (Event, error) {
	if q.db == nil {
		return Event{}, svcerr.Fail(q.logger, logMessage, opEnqueue, "missing_database", errMissingDatabase)
	}
	if request.Payload == nil {
		return Event{}, svcerr.Fail(q.logger, logMessage, opEnqueue, "missing_payload", errMissingPayload,
			zap.String(fieldUserID, request.UserID.String()))
	}
	payloadJSON, err := EncodePayload(request.Payload)
	if err != nil {
		return Event{}, svcerr.Fail(q.logger, logMessage, opEnqueue, "payload_encode_failed", err,
			zap.String(fieldUserID, request.UserID.String()))
	}
	eventID, err := q.idProvider.NewID()
	if err != nil {
		return Event{}, svcerr.Fail(q.logger, logMessage, opEnqueue, "id_generation_failed", err)
	}

	model := SyncEvent{
		EventID:         eventID,
		UserID:          request.UserID.String(),
		ItemID:          request.ItemID.String(),
		Kind:            request.Payload.Kind(),
		PayloadJSON:     payloadJSON,
		TargetDevice:    request.TargetDevice.String(),
		CreatedAtMillis: q.clock().UTC().UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&model).Error; err != nil {
		return Event{}, svcerr.Fail(q.logger, logMessage, opEnqueue, "insert_failed", err,
			zap.String(fieldUserID, request.UserID.String()),
			zap.String(fieldItemID, request.ItemID.String()))
	}
	q.metrics.IncEventsEnqueued(string(model.Kind))

	return eventFromModel(model)
}

// DrainOptions narrows a drain.
type DrainOptions struct {
	// Since restricts the drain to events created strictly after the cursor.
	Since *time.Time
	// DeviceID restricts device-targeted events to the draining device; untargeted events always match.
	DeviceID ids.DeviceID
	// Limit caps the number of events claimed; zero means unbounded.
	Limit int
	// Exclude leaves the listed events pending for another drain.
	Exclude []string
}

// DrainPending claims every matching pending event for the user, marks it delivered and
// returns it ordered by creation time. The claim is one conditional UPDATE, so concurrent
// drains never both receive the same event and every claimed event reaches exactly one caller.
func (q *Queue) DrainPending(ctx context.Context, userID ids.UserID, options DrainOptions) ([]Event, error) {
	if q.db == nil {
		return nil, svcerr.Fail(q.logger, logMessage, opDrainPending, "missing_database", errMissingDatabase)
	}
	claimID, err := q.idProvider.NewID()
	if err != nil {
		return nil, svcerr.Fail(q.logger, logMessage, opDrainPending, "id_generation_failed", err)
	}
	deliveredAt := q.clock().UTC().UnixMilli()

	var claimed []SyncEvent
	transactionError := q.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		candidates := pendingMatching(transaction, userID, options).Select("event_id")
		if options.Limit > 0 {
			candidates = candidates.Order(orderCreatedAsc).Limit(options.Limit)
		}

		claimResult := transaction.Model(&SyncEvent{}).
			Where("event_id IN (?)", candidates).
			Where("delivered_at_ms IS NULL").
			Updates(map[string]any{
				"delivered_at_ms": deliveredAt,
				"delivery_claim":  claimID,
			})
		if claimResult.Error != nil {
			return svcerr.Fail(q.logger, logMessage, opDrainPending, "claim_failed", claimResult.Error,
				zap.String(fieldUserID, userID.String()))
		}
		if claimResult.RowsAffected == 0 {
			return nil
		}
		if err := transaction.
			Where("delivery_claim = ?", claimID).
			Order(orderCreatedAsc).
			Find(&claimed).Error; err != nil {
			return svcerr.Fail(q.logger, logMessage, opDrainPending, "claimed_select_failed", err,
				zap.String(fieldUserID, userID.String()))
		}
		return nil
	})
	if transactionError != nil {
		return nil, transactionError
	}

	drained := make([]Event, 0, len(claimed))
	for _, model := range claimed {
		event, err := eventFromModel(model)
		if err != nil {
			// A corrupt payload must not wedge the rest of the drain; the client learns of it through a resync.
			q.logger.Warn("dropping undecodable sync event",
				zap.String(fieldEventID, model.EventID),
				zap.String(fieldUserID, model.UserID),
				zap.Error(err))
			continue
		}
		drained = append(drained, event)
	}
	q.metrics.AddEventsDrained(len(drained))
	return drained, nil
}

// CountPending reports how many pending events a drain with the same options would match,
// ignoring the limit.
func (q *Queue) CountPending(ctx context.Context, userID ids.UserID, options DrainOptions) (int64, error) {
	if q.db == nil {
		return 0, svcerr.Fail(q.logger, logMessage, opCountPending, "missing_database", errMissingDatabase)
	}
	var count int64
	if err := pendingMatching(q.db.WithContext(ctx), userID, options).Count(&count).Error; err != nil {
		return 0, svcerr.Fail(q.logger, logMessage, opCountPending, "query_failed", err,
			zap.String(fieldUserID, userID.String()))
	}
	return count, nil
}

func pendingMatching(db *gorm.DB, userID ids.UserID, options DrainOptions) *gorm.DB {
	query := db.Model(&SyncEvent{}).Where(queryPendingForUser, userID.String())
	if options.Since != nil {
		query = query.Where("created_at_ms > ?", options.Since.UTC().UnixMilli())
	}
	if options.DeviceID != "" {
		query = query.Where("target_device = '' OR target_device = ?", options.DeviceID.String())
	}
	if len(options.Exclude) > 0 {
		query = query.Where("event_id NOT IN ?", options.Exclude)
	}
	return query
}

// ListPending returns undelivered events without claiming them.
func (q *Queue) ListPending(ctx context.Context, userID ids.UserID) ([]Event, error) {
	if q.db == nil {
		return nil, svcerr.Fail(q.logger, logMessage, opListPending, "missing_database", errMissingDatabase)
	}
	var models []SyncEvent
	if err := q.db.WithContext(ctx).
		Where(queryPendingForUser, userID.String()).
		Order(orderCreatedAsc).
		Find(&models).Error; err != nil {
		return nil, svcerr.Fail(q.logger, logMessage, opListPending, "query_failed", err,
			zap.String(fieldUserID, userID.String()))
	}
	pending := make([]Event, 0, len(models))
	for _, model := range models {
		event, err := eventFromModel(model)
		if err != nil {
			return nil, svcerr.Fail(q.logger, logMessage, opListPending, "payload_decode_failed", err,
				zap.String(fieldEventID, model.EventID))
		}
		pending = append(pending, event)
	}
	return pending, nil
}

// SweepResult summarizes a retention sweep.
type SweepResult struct {
	DeliveredRemoved int
	PendingRemoved   int
	UsersFlagged     []ids.UserID
}

// Sweep removes delivered events older than the delivered retention and pending events
// older than the pending retention. Users losing pending events are flagged for a full
// resync before their events are deleted. Deletes run in bounded batches.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	if q.db == nil {
		return SweepResult{}, svcerr.Fail(q.logger, logMessage, opSweep, "missing_database", errMissingDatabase)
	}
	started := time.Now()
	defer func() {
		q.metrics.ObserveSweepDuration(time.Since(started))
	}()

	result := SweepResult{}
	deliveredCutoff := now.Add(-q.deliveredRetention).UTC().UnixMilli()
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var batch []string
		if err := q.db.WithContext(ctx).Model(&SyncEvent{}).
			Where("delivered_at_ms IS NOT NULL AND delivered_at_ms < ?", deliveredCutoff).
			Limit(q.sweepBatchSize).
			Pluck("event_id", &batch).Error; err != nil {
			return result, svcerr.Fail(q.logger, logMessage, opSweep, "delivered_select_failed", err)
		}
		if len(batch) == 0 {
			break
		}
		deleted := q.db.WithContext(ctx).Where("event_id IN ?", batch).Delete(&SyncEvent{})
		if deleted.Error != nil {
			return result, svcerr.Fail(q.logger, logMessage, opSweep, "delivered_delete_failed", deleted.Error)
		}
		result.DeliveredRemoved += int(deleted.RowsAffected)
		if len(batch) < q.sweepBatchSize {
			break
		}
	}

	pendingCutoff := now.Add(-q.pendingRetention).UTC().UnixMilli()
	flagged := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var batch []SyncEvent
		if err := q.db.WithContext(ctx).
			Select("event_id", "user_id").
			Where("delivered_at_ms IS NULL AND created_at_ms < ?", pendingCutoff).
			Limit(q.sweepBatchSize).
			Find(&batch).Error; err != nil {
			return result, svcerr.Fail(q.logger, logMessage, opSweep, "pending_select_failed", err)
		}
		if len(batch) == 0 {
			break
		}

		eventIDs := make([]string, 0, len(batch))
		users := make([]string, 0)
		for _, model := range batch {
			eventIDs = append(eventIDs, model.EventID)
			if _, seen := flagged[model.UserID]; !seen {
				flagged[model.UserID] = struct{}{}
				users = append(users, model.UserID)
			}
		}

		var removed int64
		transactionError := q.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			for _, userID := range users {
				if err := upsertResyncFlag(transaction, userID, ResyncReasonPendingExpired, now); err != nil {
					return err
				}
			}
			deleted := transaction.
				Where("event_id IN ? AND delivered_at_ms IS NULL", eventIDs).
				Delete(&SyncEvent{})
			if deleted.Error != nil {
				return deleted.Error
			}
			removed = deleted.RowsAffected
			return nil
		})
		if transactionError != nil {
			return result, svcerr.Fail(q.logger, logMessage, opSweep, "pending_delete_failed", transactionError)
		}
		result.PendingRemoved += int(removed)
		for _, userID := range users {
			result.UsersFlagged = append(result.UsersFlagged, ids.UserID(userID))
		}
		if len(batch) < q.sweepBatchSize {
			break
		}
	}

	q.metrics.AddEventsSwept("delivered", result.DeliveredRemoved)
	q.metrics.AddEventsSwept("pending", result.PendingRemoved)
	q.metrics.AddResyncFlags(len(result.UsersFlagged))
	if result.DeliveredRemoved > 0 || result.PendingRemoved > 0 {
		q.logger.Info("sync events swept",
			zap.Int("delivered_removed", result.DeliveredRemoved),
			zap.Int("pending_removed", result.PendingRemoved),
			zap.Int("users_flagged", len(result.UsersFlagged)))
	}
	return result, nil
}

// FlagResync marks the user for a forced full resynchronization.
func (q *Queue) FlagResync(ctx context.Context, userID ids.UserID, reason string) error {
	if q.db == nil {
		return svcerr.Fail(q.logger, logMessage, opFlagResync, "missing_database", errMissingDatabase)
	}
	if err := upsertResyncFlag(q.db.WithContext(ctx), userID.String(), reason, q.clock()); err != nil {
		return svcerr.Fail(q.logger, logMessage, opFlagResync, "upsert_failed", err,
			zap.String(fieldUserID, userID.String()))
	}
	q.metrics.AddResyncFlags(1)
	return nil
}

// ConsumeResyncFlag clears the user's resync flag and reports whether one was set.
func (q *Queue) ConsumeResyncFlag(ctx context.Context, userID ids.UserID) (bool, error) {
	if q.db == nil {
		return false, svcerr.Fail(q.logger, logMessage, opConsumeResync, "missing_database", errMissingDatabase)
	}
	deleted := q.db.WithContext(ctx).Where("user_id = ?", userID.String()).Delete(&ResyncFlag{})
	if deleted.Error != nil {
		return false, svcerr.Fail(q.logger, logMessage, opConsumeResync, "delete_failed", deleted.Error,
			zap.String(fieldUserID, userID.String()))
	}
	return deleted.RowsAffected > 0, nil
}

func upsertResyncFlag(db *gorm.DB, userID, reason string, flaggedAt time.Time) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "flagged_at_ms"}),
	}).Create(&ResyncFlag{
		UserID:          userID,
		Reason:          reason,
		FlaggedAtMillis: flaggedAt.UTC().UnixMilli(),
	}).Error
}
