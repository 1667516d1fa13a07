// Package progress reconciles reading progress across devices with last-write-wins.
package progress

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

var (
	// ErrInvalidProgress indicates a progress value outside [0, 1].
	ErrInvalidProgress = errors.New("progress: invalid progress value")
	// ErrInvalidUpdate indicates a malformed progress write.
	ErrInvalidUpdate = errors.New("progress: invalid update")
)

// ReadingProgress is the persisted per-(user, item) reading state.
type ReadingProgress struct {
	UserID             string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	ItemID             string  `gorm:"column:item_id;primaryKey;size:190;not null"`
	Progress           float64 `gorm:"column:progress;not null;default:0"`
	LastLocation       string  `gorm:"column:last_location;type:text;not null;default:''"`
	OCRVersion         string  `gorm:"column:ocr_version;size:32;not null;default:''"`
	MetadataVersion    string  `gorm:"column:metadata_version;size:32;not null;default:''"`
	VectorIndexVersion string  `gorm:"column:vector_index_version;size:32;not null;default:''"`
	LastSyncAtMillis   int64   `gorm:"column:last_sync_at_ms;not null"`
	UpdatedAtMillis    int64   `gorm:"column:updated_at_ms;not null"`
	LastWriterDevice   string  `gorm:"column:last_writer_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ReadingProgress) TableName() string {
	return "reading_progress"
}

// Update is a device-submitted progress write.
type Update struct {
	Progress     float64
	LastLocation string
	// Timestamp is the device's wall-clock mutation time, the LWW key.
	Timestamp ids.UnixMillis
	DeviceID  ids.DeviceID
}

// NewUpdate validates a progress write.
func NewUpdate(progress float64, lastLocation string, timestampMillis int64, deviceID ids.DeviceID) (Update, error) {
	if math.IsNaN(progress) || progress < 0 || progress > 1 {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidProgress, progress)
	}
	timestamp, err := ids.NewUnixMillis(timestampMillis)
	if err != nil {
		return Update{}, fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	if deviceID == "" {
		return Update{}, fmt.Errorf("%w: empty device id", ErrInvalidUpdate)
	}
	return Update{
		Progress:     progress,
		LastLocation: lastLocation,
		Timestamp:    timestamp,
		DeviceID:     deviceID,
	}, nil
}

// Outcome is the result of reconciling one write.
type Outcome struct {
	Accepted bool
	Merged   ReadingProgress
}

// Reconcile merges incoming into existing. The write with the later timestamp wins and a
// timestamp tie prefers the incoming write, so re-applying the same write is a no-op in
// effect. A smaller progress value with a later timestamp is accepted. LastSyncAtMillis is
// always advanced to syncedAt, even when the write loses.
func Reconcile(userID ids.UserID, itemID ids.ItemID, existing *ReadingProgress, incoming Update, versions artifacts.Versions, syncedAt time.Time) Outcome {
	syncedAtMillis := syncedAt.UTC().UnixMilli()

	if existing != nil && incoming.Timestamp.Int64() < existing.UpdatedAtMillis {
		merged := *existing
		merged.LastSyncAtMillis = syncedAtMillis
		return Outcome{Accepted: false, Merged: merged}
	}

	merged := ReadingProgress{
		UserID:             userID.String(),
		ItemID:             itemID.String(),
		Progress:           incoming.Progress,
		LastLocation:       incoming.LastLocation,
		OCRVersion:         versions.OCR.String(),
		MetadataVersion:    versions.Metadata.String(),
		VectorIndexVersion: versions.VectorIndex.String(),
		LastSyncAtMillis:   syncedAtMillis,
		UpdatedAtMillis:    incoming.Timestamp.Int64(),
		LastWriterDevice:   incoming.DeviceID.String(),
	}
	return Outcome{Accepted: true, Merged: merged}
}
