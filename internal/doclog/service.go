package doclog

import (
	"context"
	"errors"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opServiceNew   = "doclog.service.new"
	opAppend       = "doclog.append"
	opMaterialize  = "doclog.materialize"
	opEventsAfter  = "doclog.events_after"
	opCompact      = "doclog.compact"
	opCompactDue   = "doclog.compact_due"
	logMessage     = "doclog service error"
	fieldUserID    = "user_id"
	fieldDocument  = "document_id"
	columnEventID  = "event_id"
	orderEventAsc  = columnEventID + " ASC"
	queryUserDoc   = "user_id = ? AND document_id = ?"
	queryUserDocAt = queryUserDoc + " AND event_id > ?"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonSnapshotInvalid = "snapshot_invalid"
	reasonReplayFailed    = "replay_failed"
	reasonNotApplicable   = "not_applicable"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies of the document log service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  metrics.Recorder
}

// Service appends, replays and compacts document logs.
type Service struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	metrics metrics.Recorder
	codec   *snapshotCodec
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := newSnapshotCodec()
	if err != nil {
		return nil, svcerr.New(opServiceNew, "codec_init_failed", err)
	}
	return &Service{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		metrics: metrics.OrNoop(cfg.Metrics),
		codec:   codec,
	}, nil
}

// AppendRequest describes one delta submitted by a device.
type AppendRequest struct {
	UserID     ids.UserID
	DocumentID ids.DocumentID
	DeviceID   ids.DeviceID
	// ClientEventID identifies the delta on the submitting device; a resubmitted delta with
	// the same identifier is stored once.
	ClientEventID string
	Delta         Delta
}

// AppendResult reports the stored event.
type AppendResult struct {
	EventID   int64
	Duplicate bool
}

// Append stores the delta at the end of the document's log. A delta is accepted only when
// every patch applies to the document as currently materialized; otherwise the error wraps
// ErrDeltaNotApplicable and nothing is stored. A resubmitted delta is reported as a
// duplicate before that check runs.
func (service *Service) Append(ctx context.Context, request AppendRequest) (AppendResult, error) {
	fields := []zap.Field{
		zap.String(fieldUserID, request.UserID.String()),
		zap.String(fieldDocument, request.DocumentID.String()),
	}
	if _, err := NewDelta(request.Delta.String()); err != nil {
		return AppendResult{}, err
	}

	deltaHash := fingerprint.OfFields(request.DeviceID.String(), request.ClientEventID, request.Delta.String()).String()
	model := DocEvent{
		UserID:          request.UserID.String(),
		DocumentID:      request.DocumentID.String(),
		DeviceID:        request.DeviceID.String(),
		Delta:           request.Delta.String(),
		DeltaHash:       deltaHash,
		CreatedAtMillis: service.clock().UTC().UnixMilli(),
	}

	var result AppendResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		existing, found, err := service.findByHash(transaction, request.UserID, request.DocumentID, deltaHash)
		if err != nil {
			return svcerr.Fail(service.logger, logMessage, opAppend, reasonLookupFailed, err, fields...)
		}
		if found {
			result = AppendResult{EventID: existing.EventID, Duplicate: true}
			return nil
		}

		state, err := service.materialize(transaction, request.UserID, request.DocumentID, 0)
		if err != nil {
			return err
		}
		if _, err := apply(diffmatchpatch.New(), state.Content, request.Delta.String()); err != nil {
			service.logger.Info("document delta rejected",
				append(fields, zap.Int64("last_event_id", state.LastEventID), zap.Error(err))...)
			return svcerr.New(opAppend, reasonNotApplicable, err)
		}

		created := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if created.Error != nil {
			return svcerr.Fail(service.logger, logMessage, opAppend, reasonInsertFailed, created.Error, fields...)
		}
		if created.RowsAffected == 1 {
			result = AppendResult{EventID: model.EventID}
			return nil
		}
		existing, found, err = service.findByHash(transaction, request.UserID, request.DocumentID, deltaHash)
		if err == nil && !found {
			err = gorm.ErrRecordNotFound
		}
		if err != nil {
			return svcerr.Fail(service.logger, logMessage, opAppend, reasonLookupFailed, err, fields...)
		}
		result = AppendResult{EventID: existing.EventID, Duplicate: true}
		return nil
	})
	if transactionError != nil {
		return AppendResult{}, transactionError
	}
	return result, nil
}

func (service *Service) findByHash(transaction *gorm.DB, userID ids.UserID, documentID ids.DocumentID, deltaHash string) (DocEvent, bool, error) {
	var existing DocEvent
	err := transaction.Select(columnEventID).
		Where(queryUserDoc+" AND delta_hash = ?", userID.String(), documentID.String(), deltaHash).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return DocEvent{}, false, nil
	case err != nil:
		return DocEvent{}, false, err
	}
	return existing, true, nil
}

// Materialized is the current state of a document.
type Materialized struct {
	Content string
	// LastEventID is the newest event folded into Content, from the snapshot or the log.
	LastEventID int64
	// SnapshotEventID is the cutoff of the snapshot replay started from.
	SnapshotEventID int64
	// ReplayedEvents counts the log entries applied on top of the snapshot.
	ReplayedEvents int

	snapshotFolded int64
}

// Materialize rebuilds the document from its latest snapshot plus the events after it.
func (service *Service) Materialize(ctx context.Context, userID ids.UserID, documentID ids.DocumentID) (Materialized, error) {
	var materialized Materialized
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		state, err := service.materialize(transaction, userID, documentID, 0)
		if err != nil {
			return err
		}
		materialized = state
		return nil
	})
	if transactionError != nil {
		return Materialized{}, transactionError
	}
	return materialized, nil
}

// materialize replays events after the snapshot; upTo > 0 stops at that event id.
func (service *Service) materialize(transaction *gorm.DB, userID ids.UserID, documentID ids.DocumentID, upTo int64) (Materialized, error) {
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldDocument, documentID.String()),
	}

	state := Materialized{}
	var snapshot DocSnapshot
	err := transaction.Where(queryUserDoc, userID.String(), documentID.String()).Take(&snapshot).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return Materialized{}, svcerr.Fail(service.logger, logMessage, opMaterialize, reasonQueryFailed, err, fields...)
	default:
		body, decodeErr := service.codec.decode(snapshot.ContentZstd)
		if decodeErr != nil {
			return Materialized{}, svcerr.Fail(service.logger, logMessage, opMaterialize, reasonSnapshotInvalid, decodeErr, fields...)
		}
		state.Content = body.Content
		state.LastEventID = snapshot.CutoffEventID
		state.SnapshotEventID = snapshot.CutoffEventID
		state.snapshotFolded = body.FoldedEvents
	}

	query := transaction.Where(queryUserDocAt, userID.String(), documentID.String(), state.SnapshotEventID)
	if upTo > 0 {
		query = query.Where("event_id <= ?", upTo)
	}
	var logged []DocEvent
	if err := query.Order(orderEventAsc).Find(&logged).Error; err != nil {
		return Materialized{}, svcerr.Fail(service.logger, logMessage, opMaterialize, reasonQueryFailed, err, fields...)
	}

	dmp := diffmatchpatch.New()
	for _, event := range logged {
		next, applyErr := apply(dmp, state.Content, event.Delta)
		if applyErr != nil {
			return Materialized{}, svcerr.Fail(service.logger, logMessage, opMaterialize, reasonReplayFailed, applyErr,
				append(fields, zap.Int64("event_id", event.EventID))...)
		}
		state.Content = next
		state.LastEventID = event.EventID
		state.ReplayedEvents++
	}
	return state, nil
}

// EventsAfter returns the log entries newer than afterEventID, oldest first.
func (service *Service) EventsAfter(ctx context.Context, userID ids.UserID, documentID ids.DocumentID, afterEventID int64) ([]DocEvent, error) {
	var logged []DocEvent
	if err := service.db.WithContext(ctx).
		Where(queryUserDocAt, userID.String(), documentID.String(), afterEventID).
		Order(orderEventAsc).
		Find(&logged).Error; err != nil {
		return nil, svcerr.Fail(service.logger, logMessage, opEventsAfter, reasonQueryFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldDocument, documentID.String()))
	}
	return logged, nil
}

// CompactResult reports a compaction.
type CompactResult struct {
	FoldedEvents  int
	PrunedEvents  int
	CutoffEventID int64
}

// Compact folds every event created at or before cutoff into a new snapshot. With prune
// set, the folded events are deleted afterwards.
func (service *Service) Compact(ctx context.Context, userID ids.UserID, documentID ids.DocumentID, cutoff time.Time, prune bool) (CompactResult, error) {
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldDocument, documentID.String()),
	}

	var result CompactResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var snapshotCutoff int64
		if err := transaction.Model(&DocSnapshot{}).
			Where(queryUserDoc, userID.String(), documentID.String()).
			Select("COALESCE(MAX(cutoff_event_id), 0)").
			Scan(&snapshotCutoff).Error; err != nil {
			return svcerr.Fail(service.logger, logMessage, opCompact, reasonQueryFailed, err, fields...)
		}

		var upTo int64
		if err := transaction.Model(&DocEvent{}).
			Where(queryUserDocAt, userID.String(), documentID.String(), snapshotCutoff).
			Where("created_at_ms <= ?", cutoff.UTC().UnixMilli()).
			Select("COALESCE(MAX(event_id), 0)").
			Scan(&upTo).Error; err != nil {
			return svcerr.Fail(service.logger, logMessage, opCompact, reasonQueryFailed, err, fields...)
		}
		if upTo == 0 {
			result.CutoffEventID = snapshotCutoff
			return nil
		}

		state, err := service.materialize(transaction, userID, documentID, upTo)
		if err != nil {
			return err
		}
		compressed, err := service.codec.encode(snapshotBody{
			Content:      state.Content,
			FoldedEvents: state.snapshotFolded + int64(state.ReplayedEvents),
		})
		if err != nil {
			return svcerr.Fail(service.logger, logMessage, opCompact, "snapshot_encode_failed", err, fields...)
		}

		nowMillis := service.clock().UTC().UnixMilli()
		snapshot := DocSnapshot{
			UserID:          userID.String(),
			DocumentID:      documentID.String(),
			ContentZstd:     compressed,
			CutoffEventID:   state.LastEventID,
			CutoffAtMillis:  cutoff.UTC().UnixMilli(),
			CreatedAtMillis: nowMillis,
		}
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_zstd", "cutoff_event_id", "cutoff_at_ms", "created_at_ms"}),
		}).Create(&snapshot).Error; err != nil {
			return svcerr.Fail(service.logger, logMessage, opCompact, "snapshot_upsert_failed", err, fields...)
		}
		result.FoldedEvents = state.ReplayedEvents
		result.CutoffEventID = state.LastEventID

		if prune {
			deleted := transaction.
				Where(queryUserDoc+" AND event_id <= ?", userID.String(), documentID.String(), state.LastEventID).
				Delete(&DocEvent{})
			if deleted.Error != nil {
				return svcerr.Fail(service.logger, logMessage, opCompact, "prune_failed", deleted.Error, fields...)
			}
			result.PrunedEvents = int(deleted.RowsAffected)
		}
		return nil
	})
	if transactionError != nil {
		return CompactResult{}, transactionError
	}
	if result.FoldedEvents > 0 {
		service.metrics.IncCompactions()
		service.logger.Debug("document log compacted",
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldDocument, documentID.String()),
			zap.Int("folded_events", result.FoldedEvents),
			zap.Int("pruned_events", result.PrunedEvents),
			zap.Int64("cutoff_event_id", result.CutoffEventID))
	}
	return result, nil
}

type dueDocument struct {
	UserID     string
	DocumentID string
	Pending    int64
}

// CompactDue compacts every document with at least threshold events past its snapshot and
// returns how many documents were compacted.
func (service *Service) CompactDue(ctx context.Context, threshold int, prune bool) (int, error) {
	if threshold <= 0 {
		threshold = 1
	}
	var due []dueDocument
	if err := service.db.WithContext(ctx).
		Table(DocEvent{}.TableName()+" AS e").
		Select("e.user_id AS user_id, e.document_id AS document_id, COUNT(*) AS pending").
		Joins("LEFT JOIN "+DocSnapshot{}.TableName()+" AS s ON s.user_id = e.user_id AND s.document_id = e.document_id").
		Where("e.event_id > COALESCE(s.cutoff_event_id, 0)").
		Group("e.user_id, e.document_id").
		Having("COUNT(*) >= ?", threshold).
		Scan(&due).Error; err != nil {
		return 0, svcerr.Fail(service.logger, logMessage, opCompactDue, reasonQueryFailed, err)
	}

	cutoff := service.clock()
	compacted := 0
	for _, document := range due {
		if err := ctx.Err(); err != nil {
			return compacted, err
		}
		result, err := service.Compact(ctx, ids.UserID(document.UserID), ids.DocumentID(document.DocumentID), cutoff, prune)
		if err != nil {
			return compacted, err
		}
		if result.FoldedEvents > 0 {
			compacted++
		}
	}
	return compacted, nil
}
