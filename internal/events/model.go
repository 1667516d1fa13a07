package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

// Kind enumerates server-to-client notification kinds.
type Kind string

const (
	// KindArtifactReady signals that a derived artifact (OCR text, vector index) was produced.
	KindArtifactReady Kind = "artifact-ready"
	// KindMetadataUpdated signals that book metadata changed.
	KindMetadataUpdated Kind = "metadata-updated"
	// KindCoverUpdated signals that a cover image changed.
	KindCoverUpdated Kind = "cover-updated"
	// KindAnalysisDone signals that a background analysis finished.
	KindAnalysisDone Kind = "analysis-done"
	// KindDocumentUpdated signals a note or highlight change, including conflict copies.
	KindDocumentUpdated Kind = "document-updated"
)

var (
	// ErrUnknownKind indicates that an event kind is not one of the enumerated kinds.
	ErrUnknownKind = errors.New("events: unknown event kind")
	// ErrInvalidPayload indicates that a payload does not match its kind.
	ErrInvalidPayload = errors.New("events: invalid payload")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(rawInput)))
	switch kind {
	case KindArtifactReady, KindMetadataUpdated, KindCoverUpdated, KindAnalysisDone, KindDocumentUpdated:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// Payload is the typed body of a sync event; the concrete type is fixed by Kind.
type Payload interface {
	Kind() Kind
}

// ArtifactReady reports that a derived artifact has a new version.
type ArtifactReady struct {
	Artifact string `json:"artifact"`
	Version  string `json:"version,omitempty"`
}

// Kind implements Payload.
func (ArtifactReady) Kind() Kind { return KindArtifactReady }

// MetadataUpdated reports changed metadata fields.
type MetadataUpdated struct {
	Version string   `json:"version,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

// Kind implements Payload.
func (MetadataUpdated) Kind() Kind { return KindMetadataUpdated }

// CoverUpdated reports a new cover image.
type CoverUpdated struct {
	CoverURL string `json:"cover_url,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Kind implements Payload.
func (CoverUpdated) Kind() Kind { return KindCoverUpdated }

// AnalysisDone reports a completed background analysis.
type AnalysisDone struct {
	Analysis  string `json:"analysis"`
	ResultRef string `json:"result_ref,omitempty"`
}

// Kind implements Payload.
func (AnalysisDone) Kind() Kind { return KindAnalysisDone }

// DocumentReason explains why a document-updated event was emitted.
type DocumentReason string

const (
	// DocumentReasonUpdated marks a clean write, including the first write of a document.
	DocumentReasonUpdated DocumentReason = "updated"
	// DocumentReasonConflict marks the creation of a conflict copy.
	DocumentReasonConflict DocumentReason = "conflict"
	// DocumentReasonResolved marks the resolution of a conflict copy.
	DocumentReasonResolved DocumentReason = "resolved"
)

// DocumentUpdated reports a change to a versioned document.
type DocumentUpdated struct {
	DocumentID     string         `json:"document_id"`
	ConflictCopyID string         `json:"conflict_copy_id,omitempty"`
	Version        int64          `json:"version"`
	Reason         DocumentReason `json:"reason"`
}

// Kind implements Payload.
func (DocumentUpdated) Kind() Kind { return KindDocumentUpdated }

// EncodePayload serializes the payload body.
func EncodePayload(payload Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if _, err := ParseKind(string(payload.Kind())); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(encoded), nil
}

// DecodePayload parses a payload body into the concrete type selected by kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindArtifactReady:
		return decodeInto[ArtifactReady](raw)
	case KindMetadataUpdated:
		return decodeInto[MetadataUpdated](raw)
	case KindCoverUpdated:
		return decodeInto[CoverUpdated](raw)
	case KindAnalysisDone:
		return decodeInto[AnalysisDone](raw)
	case KindDocumentUpdated:
		return decodeInto[DocumentUpdated](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeInto[T Payload](raw []byte) (Payload, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

// SyncEvent stores one pending or delivered notification.
type SyncEvent struct {
	EventID           string `gorm:"column:event_id;primaryKey;size:64;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_sync_events_user_created,priority:1"`
	ItemID            string `gorm:"column:item_id;size:190;not null"`
	Kind              Kind   `gorm:"column:kind;size:32;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	TargetDevice      string `gorm:"column:target_device;size:190;not null;default:''"`
	CreatedAtMillis   int64  `gorm:"column:created_at_ms;not null;index:idx_sync_events_user_created,priority:2"`
	DeliveredAtMillis *int64 `gorm:"column:delivered_at_ms;index:idx_sync_events_delivered"`
	DeliveryClaim     string `gorm:"column:delivery_claim;size:64;not null;default:'';index:idx_sync_events_claim"`
}

// TableName provides the explicit table binding for GORM.
func (SyncEvent) TableName() string {
	return "sync_events"
}

// ResyncFlag marks a user whose client must perform a full resynchronization.
type ResyncFlag struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Reason          string `gorm:"column:reason;size:64;not null"`
	FlaggedAtMillis int64  `gorm:"column:flagged_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ResyncFlag) TableName() string {
	return "resync_flags"
}

// Event is the decoded view of a SyncEvent.
type Event struct {
	ID           string
	UserID       ids.UserID
	ItemID       ids.ItemID
	TargetDevice ids.DeviceID
	Payload      Payload
	CreatedAt    time.Time
	DeliveredAt  *time.Time
}

// Kind returns the payload kind.
func (event Event) Kind() Kind {
	if event.Payload == nil {
		return ""
	}
	return event.Payload.Kind()
}

func eventFromModel(model SyncEvent) (Event, error) {
	payload, err := DecodePayload(model.Kind, []byte(model.PayloadJSON))
	if err != nil {
		return Event{}, err
	}
	event := Event{
		ID:           model.EventID,
		UserID:       ids.UserID(model.UserID),
		ItemID:       ids.ItemID(model.ItemID),
		TargetDevice: ids.DeviceID(model.TargetDevice),
		Payload:      payload,
		CreatedAt:    ids.UnixMillis(model.CreatedAtMillis).Time(),
	}
	if model.DeliveredAtMillis != nil {
		deliveredAt := ids.UnixMillis(*model.DeliveredAtMillis).Time()
		event.DeliveredAt = &deliveredAt
	}
	return event, nil
}
