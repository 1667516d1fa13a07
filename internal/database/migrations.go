package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
)

const (
	migrationBackfillProgressLastSync = "2026-05-04_backfill_progress_last_sync"
	migrationNormalizeDocumentKind    = "2026-05-11_normalize_document_kind"
	migrationReceiptEventID           = "2026-10-18_receipt_event_id"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillProgressLastSync, apply: backfillProgressLastSync},
		{name: migrationNormalizeDocumentKind, apply: normalizeDocumentKind},
		{name: migrationReceiptEventID, apply: copyReceiptEventID},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		applyErr := db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if applyErr != nil {
			return applyErr
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before last_sync_at existed carry zero; the last write is the best known sync.
func backfillProgressLastSync(db *gorm.DB) error {
	return db.Model(&progress.ReadingProgress{}).
		Where("last_sync_at_ms = 0").
		Update("last_sync_at_ms", gorm.Expr("updated_at_ms")).Error
}

func normalizeDocumentKind(db *gorm.DB) error {
	if err := db.Model(&documents.VersionedDocument{}).
		Where("kind = ''").
		Update("kind", documents.KindNote).Error; err != nil {
		return err
	}
	return db.Model(&documents.VersionedDocument{}).
		Where("kind <> LOWER(kind)").
		Update("kind", gorm.Expr("LOWER(kind)")).Error
}

// Receipts used to record only conflict events, in conflict_event_id.
func copyReceiptEventID(db *gorm.DB) error {
	migrator := db.Migrator()
	if !migrator.HasTable(&documents.WriteReceipt{}) || !migrator.HasColumn(&documents.WriteReceipt{}, "conflict_event_id") {
		return nil
	}
	return db.Model(&documents.WriteReceipt{}).
		Where("event_id = '' AND conflict_event_id <> ''").
		Update("event_id", gorm.Expr("conflict_event_id")).Error
}
