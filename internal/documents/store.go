package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opStoreNew      = "documents.store.new"
	opWrite         = "documents.write"
	opResolve       = "documents.resolve"
	opList          = "documents.list"
	opGet           = "documents.get"
	opPruneReceipts = "documents.prune_receipts"

	logMessage = "documents service error"

	fieldUserID     = "user_id"
	fieldDocumentID = "document_id"

	queryDocument   = "document_id = ?"
	orderCreatedAsc = "created_at_ms ASC, document_id ASC"

	maxWriteAttempts = 4
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingQueue      = errors.New("event queue is required")
	errContention        = errors.New("document kept changing under concurrent writers")
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Queue      *events.Queue
	Logger     *zap.Logger
	Metrics    metrics.Recorder
}

// Store applies versioned document writes.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	queue      *events.Queue
	logger     *zap.Logger
	metrics    metrics.Recorder
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, svcerr.New(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Queue == nil {
		return nil, svcerr.New(opStoreNew, "missing_queue", errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		queue:      cfg.Queue,
		logger:     logger,
		metrics:    metrics.OrNoop(cfg.Metrics),
	}, nil
}

// WithTx returns a copy of the store, and of its event queue, bound to the transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	bound := *s
	bound.db = tx
	bound.queue = s.queue.WithTx(tx)
	return &bound
}

// WriteRequest is a device-submitted document write.
type WriteRequest struct {
	DocumentID  ids.DocumentID
	ItemID      ids.ItemID
	Kind        Kind
	BaseVersion int64
	Content     string
	DeviceID    ids.DeviceID
}

// WriteResult describes an accepted write.
type WriteResult struct {
	DocumentID ids.DocumentID
	State      State
	// Version is the document's version after a clean write, or the stored version a stale
	// write was compared against.
	Version        int64
	ConflictCopyID ids.DocumentID
	// EventID is the document-updated event the write emitted for the account's other devices.
	EventID string
	// Replayed is set when the result comes from the receipt of an earlier identical write.
	Replayed bool
}

// Write classifies the write against the stored version and applies it: a clean write
// updates in place, a stale write creates a conflict copy, and both emit a document-updated
// event in the same transaction; an invalid write is rejected with ErrProtocolViolation and changes nothing. The write
// runs in its own transaction, nested as a savepoint when the store is bound to one.
func (s *Store) Write(ctx context.Context, userID ids.UserID, request WriteRequest) (WriteResult, error) {
	if request.BaseVersion < 0 {
		s.metrics.IncProtocolViolations()
		return WriteResult{DocumentID: request.DocumentID, State: StateInvalid},
			fmt.Errorf("%w: negative base version %d", ErrProtocolViolation, request.BaseVersion)
	}
	kind := request.Kind
	if kind == "" {
		kind = KindNote
	}
	contentHash := fingerprint.Of([]byte(request.Content)).String()
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldDocumentID, request.DocumentID.String()),
	}

	var result WriteResult
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		bound := s.WithTx(transaction)

		replayed, found, err := bound.findReceipt(userID, request, contentHash)
		if err != nil {
			return svcerr.Fail(s.logger, logMessage, opWrite, "receipt_lookup_failed", err, fields...)
		}
		if found {
			result = replayed
			return nil
		}

		for attempt := 0; attempt < maxWriteAttempts; attempt++ {
			applied, done, err := bound.attemptWrite(ctx, userID, request, kind)
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			receipt := WriteReceipt{
				UserID:          userID.String(),
				DocumentID:      request.DocumentID.String(),
				DeviceID:        request.DeviceID.String(),
				BaseVersion:     request.BaseVersion,
				ContentHash:     contentHash,
				State:           applied.State,
				ResultVersion:   applied.Version,
				ConflictCopyID:  applied.ConflictCopyID.String(),
				EventID:         applied.EventID,
				CreatedAtMillis: s.clock().UTC().UnixMilli(),
			}
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt).Error; err != nil {
				return svcerr.Fail(s.logger, logMessage, opWrite, "receipt_insert_failed", err, fields...)
			}
			result = applied
			return nil
		}
		return svcerr.Fail(s.logger, logMessage, opWrite, "contention", errContention, fields...)
	})
	if transactionError != nil {
		if errors.Is(transactionError, ErrProtocolViolation) {
			s.metrics.IncProtocolViolations()
			return WriteResult{DocumentID: request.DocumentID, State: StateInvalid}, transactionError
		}
		return WriteResult{}, transactionError
	}
	return result, nil
}

// attemptWrite performs one read-classify-apply round. done=false means a concurrent writer
// changed the row between the read and the guarded write and the round must be repeated.
func (s *Store) attemptWrite(ctx context.Context, userID ids.UserID, request WriteRequest, kind Kind) (WriteResult, bool, error) {
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldDocumentID, request.DocumentID.String()),
	}
	nowMillis := s.clock().UTC().UnixMilli()

	stored, err := s.find(request.DocumentID)
	if err != nil {
		return WriteResult{}, false, svcerr.Fail(s.logger, logMessage, opWrite, "query_failed", err, fields...)
	}
	if stored != nil && stored.UserID != userID.String() {
		return WriteResult{}, false, fmt.Errorf("%w: document %s belongs to another account", ErrProtocolViolation, request.DocumentID)
	}

	storedVersion := int64(0)
	if stored != nil {
		storedVersion = stored.Version
	}

	switch Classify(storedVersion, request.BaseVersion) {
	case StateInvalid:
		return WriteResult{}, false, fmt.Errorf("%w: base version %d is ahead of stored version %d",
			ErrProtocolViolation, request.BaseVersion, storedVersion)

	case StateClean:
		if stored == nil {
			created := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&VersionedDocument{
				DocumentID:      request.DocumentID.String(),
				UserID:          userID.String(),
				ItemID:          request.ItemID.String(),
				Kind:            kind,
				Version:         1,
				Content:         request.Content,
				DeviceID:        request.DeviceID.String(),
				CreatedAtMillis: nowMillis,
				UpdatedAtMillis: nowMillis,
			})
			if created.Error != nil {
				return WriteResult{}, false, svcerr.Fail(s.logger, logMessage, opWrite, "insert_failed", created.Error, fields...)
			}
			if created.RowsAffected != 1 {
				return WriteResult{}, false, nil
			}
			eventID, err := s.enqueueUpdated(ctx, userID, request.ItemID, request.DocumentID, 1)
			if err != nil {
				return WriteResult{}, false, err
			}
			return WriteResult{DocumentID: request.DocumentID, State: StateClean, Version: 1, EventID: eventID}, true, nil
		}
		updated := s.db.Model(&VersionedDocument{}).
			Where("document_id = ? AND version = ?", stored.DocumentID, request.BaseVersion).
			Updates(map[string]any{
				"version":       gorm.Expr("version + 1"),
				"content":       request.Content,
				"device_id":     request.DeviceID.String(),
				"updated_at_ms": nowMillis,
			})
		if updated.Error != nil {
			return WriteResult{}, false, svcerr.Fail(s.logger, logMessage, opWrite, "update_failed", updated.Error, fields...)
		}
		if updated.RowsAffected != 1 {
			return WriteResult{}, false, nil
		}
		eventID, err := s.enqueueUpdated(ctx, userID, ids.ItemID(stored.ItemID), request.DocumentID, request.BaseVersion+1)
		if err != nil {
			return WriteResult{}, false, err
		}
		return WriteResult{
			DocumentID: request.DocumentID,
			State:      StateClean,
			Version:    request.BaseVersion + 1,
			EventID:    eventID,
		}, true, nil

	default:
		copyID, eventID, err := s.createConflictCopy(ctx, userID, *stored, request, nowMillis)
		if err != nil {
			return WriteResult{}, false, err
		}
		return WriteResult{
			DocumentID:     request.DocumentID,
			State:          StateStale,
			Version:        stored.Version,
			ConflictCopyID: copyID,
			EventID:        eventID,
		}, true, nil
	}
}

func (s *Store) enqueueUpdated(ctx context.Context, userID ids.UserID, itemID ids.ItemID, documentID ids.DocumentID, version int64) (string, error) {
	event, err := s.queue.Enqueue(ctx, events.EnqueueRequest{
		UserID: userID,
		ItemID: itemID,
		Payload: events.DocumentUpdated{
			DocumentID: documentID.String(),
			Version:    version,
			Reason:     events.DocumentReasonUpdated,
		},
	})
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

func (s *Store) createConflictCopy(ctx context.Context, userID ids.UserID, original VersionedDocument, request WriteRequest, nowMillis int64) (ids.DocumentID, string, error) {
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldDocumentID, original.DocumentID),
	}
	// Copies always hang off the root document so a copy never has copies of its own.
	rootID := original.DocumentID
	if original.IsConflictCopy() {
		rootID = *original.ConflictOf
	}

	copyID, err := s.idProvider.NewID()
	if err != nil {
		return "", "", svcerr.Fail(s.logger, logMessage, opWrite, "id_generation_failed", err, fields...)
	}
	conflictCopy := VersionedDocument{
		DocumentID:      copyID,
		UserID:          userID.String(),
		ItemID:          original.ItemID,
		Kind:            original.Kind,
		Version:         1,
		Content:         request.Content,
		ConflictOf:      &rootID,
		DeviceID:        request.DeviceID.String(),
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	if err := s.db.Create(&conflictCopy).Error; err != nil {
		return "", "", svcerr.Fail(s.logger, logMessage, opWrite, "conflict_copy_insert_failed", err, fields...)
	}

	rootVersion := original.Version
	if rootID != original.DocumentID {
		root, err := s.find(ids.DocumentID(rootID))
		if err != nil {
			return "", "", svcerr.Fail(s.logger, logMessage, opWrite, "root_lookup_failed", err, fields...)
		}
		if root != nil {
			rootVersion = root.Version
		}
	}
	event, err := s.queue.Enqueue(ctx, events.EnqueueRequest{
		UserID: userID,
		ItemID: ids.ItemID(original.ItemID),
		Payload: events.DocumentUpdated{
			DocumentID:     rootID,
			ConflictCopyID: copyID,
			Version:        rootVersion,
			Reason:         events.DocumentReasonConflict,
		},
	})
	if err != nil {
		return "", "", err
	}
	s.metrics.IncConflictCopies()
	s.logger.Info("conflict copy created",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldDocumentID, rootID),
		zap.String("conflict_copy_id", copyID),
		zap.String("device_id", request.DeviceID.String()))
	return ids.DocumentID(copyID), event.ID, nil
}

func (s *Store) findReceipt(userID ids.UserID, request WriteRequest, contentHash string) (WriteResult, bool, error) {
	var receipt WriteReceipt
	err := s.db.
		Where("user_id = ? AND document_id = ? AND device_id = ? AND base_version = ? AND content_hash = ?",
			userID.String(), request.DocumentID.String(), request.DeviceID.String(), request.BaseVersion, contentHash).
		Take(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WriteResult{}, false, nil
	}
	if err != nil {
		return WriteResult{}, false, err
	}
	return WriteResult{
		DocumentID:      request.DocumentID,
		State:           receipt.State,
		Version:         receipt.ResultVersion,
		ConflictCopyID:  ids.DocumentID(receipt.ConflictCopyID),
		EventID:         receipt.EventID,
		Replayed:        true,
	}, true, nil
}

func (s *Store) find(documentID ids.DocumentID) (*VersionedDocument, error) {
	var document VersionedDocument
	err := s.db.Where(queryDocument, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &document, nil
}

// Get returns one of the user's documents.
func (s *Store) Get(ctx context.Context, userID ids.UserID, documentID ids.DocumentID) (VersionedDocument, error) {
	var document VersionedDocument
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionedDocument{}, ErrDocumentNotFound
	}
	if err != nil {
		return VersionedDocument{}, svcerr.Fail(s.logger, logMessage, opGet, "query_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldDocumentID, documentID.String()))
	}
	return document, nil
}

// List returns the user's documents for an item, conflict copies included.
func (s *Store) List(ctx context.Context, userID ids.UserID, itemID ids.ItemID) ([]VersionedDocument, error) {
	var documents []VersionedDocument
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND item_id = ?", userID.String(), itemID.String()).
		Order(orderCreatedAsc).
		Find(&documents).Error; err != nil {
		return nil, svcerr.Fail(s.logger, logMessage, opList, "query_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String("item_id", itemID.String()))
	}
	return documents, nil
}

// PruneReceipts deletes write receipts created before the cutoff and returns the count.
func (s *Store) PruneReceipts(ctx context.Context, before time.Time) (int, error) {
	deleted := s.db.WithContext(ctx).
		Where("created_at_ms < ?", before.UTC().UnixMilli()).
		Delete(&WriteReceipt{})
	if deleted.Error != nil {
		return 0, svcerr.Fail(s.logger, logMessage, opPruneReceipts, "delete_failed", deleted.Error)
	}
	return int(deleted.RowsAffected), nil
}
