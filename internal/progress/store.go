package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opStoreNew = "progress.store.new"
	opApply    = "progress.apply"
	opTouch    = "progress.touch"
	opGet      = "progress.get"

	logMessage = "progress service error"

	fieldUserID = "user_id"
	fieldItemID = "item_id"

	queryUserItem = "user_id = ? AND item_id = ?"

	maxApplyAttempts = 4
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errContention      = errors.New("progress row kept changing under concurrent writers")
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists ReadingProgress rows with compare-and-update writes.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTx returns a copy of the store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	bound := *s
	bound.db = tx
	return &bound
}

// Apply reconciles the update against the stored row. The write is guarded by the stored
// timestamp it was reconciled against, so a later write committed concurrently is never
// overwritten; on a lost race the row is re-read and reconciled again.
func (s *Store) Apply(ctx context.Context, userID ids.UserID, itemID ids.ItemID, update Update, versions artifacts.Versions) (Outcome, error) {
	fields := []zap.Field{zap.String(fieldUserID, userID.String()), zap.String(fieldItemID, itemID.String())}
	database := s.db.WithContext(ctx)
	syncedAt := s.clock()

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		existing, err := s.find(database, userID, itemID)
		if err != nil {
			return Outcome{}, svcerr.Fail(s.logger, logMessage, opApply, "query_failed", err, fields...)
		}

		outcome := Reconcile(userID, itemID, existing, update, versions, syncedAt)
		merged := outcome.Merged

		switch {
		case existing == nil:
			created := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&merged)
			if created.Error != nil {
				return Outcome{}, svcerr.Fail(s.logger, logMessage, opApply, "insert_failed", created.Error, fields...)
			}
			if created.RowsAffected == 1 {
				return outcome, nil
			}

		case outcome.Accepted:
			updated := database.Model(&ReadingProgress{}).
				Where(queryUserItem, userID.String(), itemID.String()).
				Where("updated_at_ms <= ?", update.Timestamp.Int64()).
				Updates(map[string]any{
					"progress":             merged.Progress,
					"last_location":        merged.LastLocation,
					"ocr_version":          merged.OCRVersion,
					"metadata_version":     merged.MetadataVersion,
					"vector_index_version": merged.VectorIndexVersion,
					"last_sync_at_ms":      merged.LastSyncAtMillis,
					"updated_at_ms":        merged.UpdatedAtMillis,
					"last_writer_device":   merged.LastWriterDevice,
				})
			if updated.Error != nil {
				return Outcome{}, svcerr.Fail(s.logger, logMessage, opApply, "update_failed", updated.Error, fields...)
			}
			if updated.RowsAffected == 1 {
				return outcome, nil
			}

		default:
			if err := s.touch(database, userID, itemID, syncedAt); err != nil {
				return Outcome{}, svcerr.Fail(s.logger, logMessage, opApply, "touch_failed", err, fields...)
			}
			return outcome, nil
		}
	}
	return Outcome{}, svcerr.Fail(s.logger, logMessage, opApply, "contention", errContention, fields...)
}

// Touch records a reconciliation without a progress write. A missing row is left missing.
func (s *Store) Touch(ctx context.Context, userID ids.UserID, itemID ids.ItemID) error {
	if err := s.touch(s.db.WithContext(ctx), userID, itemID, s.clock()); err != nil {
		return svcerr.Fail(s.logger, logMessage, opTouch, "update_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldItemID, itemID.String()))
	}
	return nil
}

// Get returns the stored progress, or nil when the item was never synced.
func (s *Store) Get(ctx context.Context, userID ids.UserID, itemID ids.ItemID) (*ReadingProgress, error) {
	existing, err := s.find(s.db.WithContext(ctx), userID, itemID)
	if err != nil {
		return nil, svcerr.Fail(s.logger, logMessage, opGet, "query_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldItemID, itemID.String()))
	}
	return existing, nil
}

func (s *Store) find(database *gorm.DB, userID ids.UserID, itemID ids.ItemID) (*ReadingProgress, error) {
	var existing ReadingProgress
	err := database.Where(queryUserItem, userID.String(), itemID.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Store) touch(database *gorm.DB, userID ids.UserID, itemID ids.ItemID, syncedAt time.Time) error {
	return database.Model(&ReadingProgress{}).
		Where(queryUserItem, userID.String(), itemID.String()).
		Update("last_sync_at_ms", syncedAt.UTC().UnixMilli()).Error
}
