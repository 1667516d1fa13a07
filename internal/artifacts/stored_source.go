package artifacts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opStoredSourceNew = "artifacts.stored_source.new"
	opPut             = "artifacts.put"
	opContent         = "artifacts.content"
)

var errMissingDatabase = errors.New("database handle is required")

// ItemArtifact stores the current content of one derived artifact.
type ItemArtifact struct {
	ItemID          string `gorm:"column:item_id;primaryKey;size:190;not null"`
	Artifact        Kind   `gorm:"column:artifact;primaryKey;size:32;not null"`
	Content         []byte `gorm:"column:content;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ItemArtifact) TableName() string {
	return "item_artifacts"
}

// StoredSourceConfig describes the dependencies of a StoredSource.
type StoredSourceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// StoredSource is the default ContentSource, backed by the item_artifacts table.
type StoredSource struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStoredSource constructs a StoredSource.
func NewStoredSource(cfg StoredSourceConfig) (*StoredSource, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opStoredSourceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoredSource{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put replaces the artifact content and returns its new fingerprint.
func (s *StoredSource) Put(ctx context.Context, itemID ids.ItemID, kind Kind, content []byte) (fingerprint.Token, error) {
	model := ItemArtifact{
		ItemID:          itemID.String(),
		Artifact:        kind,
		Content:         content,
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}, {Name: "artifact"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at_ms"}),
	}).Create(&model).Error
	if err != nil {
		return "", svcerr.Fail(s.logger, logMessage, opPut, "upsert_failed", err,
			zap.String("item_id", itemID.String()),
			zap.String("artifact", string(kind)))
	}
	return fingerprint.Of(content), nil
}

// ArtifactContent implements ContentSource.
func (s *StoredSource) ArtifactContent(ctx context.Context, itemID ids.ItemID, kind Kind) ([]byte, bool, error) {
	var model ItemArtifact
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND artifact = ?", itemID.String(), string(kind)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, svcerr.New(opContent, "query_failed", err)
	}
	return model.Content, true, nil
}
