package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&progress.ReadingProgress{}, &documents.VersionedDocument{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsBackfillsProgressLastSync(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	legacy := progress.ReadingProgress{UserID: "user-1", ItemID: "book-1", Progress: 0.5, UpdatedAtMillis: 1_700_000_000_000}
	current := progress.ReadingProgress{UserID: "user-1", ItemID: "book-2", Progress: 0.2, UpdatedAtMillis: 1_700_000_000_000, LastSyncAtMillis: 1_700_000_500_000}
	for _, row := range []progress.ReadingProgress{legacy, current} {
		if err := database.Create(&row).Error; err != nil {
			testContext.Fatalf("failed to insert progress: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []progress.ReadingProgress
	if err := database.Order("item_id").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload progress: %v", err)
	}
	if stored[0].LastSyncAtMillis != legacy.UpdatedAtMillis {
		testContext.Fatalf("expected legacy row to be backfilled, got %d", stored[0].LastSyncAtMillis)
	}
	if stored[1].LastSyncAtMillis != current.LastSyncAtMillis {
		testContext.Fatalf("expected populated row to be untouched, got %d", stored[1].LastSyncAtMillis)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillProgressLastSync).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsNormalizesDocumentKind(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	insert := "INSERT INTO versioned_documents (document_id, user_id, item_id, kind, version, content, device_id, created_at_ms, updated_at_ms) VALUES (?, 'user-1', 'book-1', ?, 1, 'text', 'phone', 1, 1)"
	for documentID, kind := range map[string]string{"note-empty": "", "note-upper": "HIGHLIGHT", "note-ok": "note"} {
		if err := database.Exec(insert, documentID, kind).Error; err != nil {
			testContext.Fatalf("failed to insert document: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]documents.Kind{
		"note-empty": documents.KindNote,
		"note-upper": documents.KindHighlight,
		"note-ok":    documents.KindNote,
	}
	for documentID, wantKind := range expected {
		var stored documents.VersionedDocument
		if err := database.Where("document_id = ?", documentID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", documentID, err)
		}
		if stored.Kind != wantKind {
			testContext.Fatalf("%s: expected kind %q, got %q", documentID, wantKind, stored.Kind)
		}
	}
}

func TestApplyMigrationsCopiesReceiptConflictEventID(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := database.AutoMigrate(&documents.WriteReceipt{}); err != nil {
		testContext.Fatalf("failed to migrate receipts: %v", err)
	}
	if err := database.Exec("ALTER TABLE document_write_receipts ADD COLUMN conflict_event_id varchar(190) NOT NULL DEFAULT ''").Error; err != nil {
		testContext.Fatalf("failed to add legacy column: %v", err)
	}
	insert := "INSERT INTO document_write_receipts (user_id, document_id, device_id, base_version, content_hash, state, result_version, conflict_copy_id, conflict_event_id, created_at_ms) VALUES ('user-1', ?, 'phone', 1, 'hash', ?, 2, '', ?, 1)"
	if err := database.Exec(insert, "note-stale", "stale", "event-1").Error; err != nil {
		testContext.Fatalf("failed to insert receipt: %v", err)
	}
	if err := database.Exec(insert, "note-clean", "clean", "").Error; err != nil {
		testContext.Fatalf("failed to insert receipt: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]string{"note-stale": "event-1", "note-clean": ""}
	for documentID, wantEventID := range expected {
		var receipt documents.WriteReceipt
		if err := database.Where("document_id = ?", documentID).Take(&receipt).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", documentID, err)
		}
		if receipt.EventID != wantEventID {
			testContext.Fatalf("%s: expected event id %q, got %q", documentID, wantEventID, receipt.EventID)
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	legacy := progress.ReadingProgress{UserID: "user-1", ItemID: "book-1", UpdatedAtMillis: 42}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert progress: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}

	var stored progress.ReadingProgress
	if err := database.Where("item_id = ?", "book-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload progress: %v", err)
	}
	if stored.LastSyncAtMillis != 0 {
		testContext.Fatalf("expected applied migration to be skipped, got %d", stored.LastSyncAtMillis)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 3 {
		testContext.Fatalf("expected three migration records, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "shelfsync.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}

	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
