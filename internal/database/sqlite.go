package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/doclog"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
)

// Models lists every persisted table of the sync engine.
func Models() []any {
	return []any{
		&progress.ReadingProgress{},
		&documents.VersionedDocument{},
		&documents.WriteReceipt{},
		&events.SyncEvent{},
		&events.ResyncFlag{},
		&artifacts.ItemArtifact{},
		&doclog.DocEvent{},
		&doclog.DocSnapshot{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The drain claim and the heartbeat transaction rely on serialized writers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
