// Package documents applies versioned note and highlight writes, preserving concurrent
// edits as conflict copies instead of overwriting them.
package documents

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates versioned document kinds.
type Kind string

const (
	// KindNote is a free-form user note.
	KindNote Kind = "note"
	// KindHighlight is a highlighted passage with optional annotation.
	KindHighlight Kind = "highlight"
)

var (
	// ErrProtocolViolation indicates a write whose base version is ahead of the server.
	ErrProtocolViolation = errors.New("documents: protocol violation")
	// ErrDocumentNotFound indicates a missing document for the requesting user.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrNotConflictCopy indicates a resolution request for a document that is not a conflict copy.
	ErrNotConflictCopy = errors.New("documents: not a conflict copy")
	// ErrUnknownKind indicates a document kind outside the enumerated set.
	ErrUnknownKind = errors.New("documents: unknown document kind")
	// ErrUnknownResolution indicates an unsupported conflict resolution action.
	ErrUnknownResolution = errors.New("documents: unknown resolution action")
)

// ParseKind validates raw input and returns a Kind; empty input means a note.
func ParseKind(rawInput string) (Kind, error) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(rawInput)))
	switch normalized {
	case "":
		return KindNote, nil
	case KindNote, KindHighlight:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// VersionedDocument is a single-owner note or highlight. A row with ConflictOf set is a
// conflict copy and never has copies of its own.
type VersionedDocument struct {
	DocumentID      string  `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID          string  `gorm:"column:user_id;size:190;not null;index:idx_documents_user_item,priority:1"`
	ItemID          string  `gorm:"column:item_id;size:190;not null;index:idx_documents_user_item,priority:2"`
	Kind            Kind    `gorm:"column:kind;size:16;not null;default:'note'"`
	Version         int64   `gorm:"column:version;not null;default:1"`
	Content         string  `gorm:"column:content;type:text;not null"`
	ConflictOf      *string `gorm:"column:conflict_of;size:190;index:idx_documents_conflict_of"`
	DeviceID        string  `gorm:"column:device_id;size:190;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionedDocument) TableName() string {
	return "versioned_documents"
}

// IsConflictCopy reports whether the document is a conflict copy.
func (document VersionedDocument) IsConflictCopy() bool {
	return document.ConflictOf != nil && *document.ConflictOf != ""
}

// WriteReceipt records the outcome of an accepted write so that a retried heartbeat
// replays the original outcome instead of classifying the write again.
type WriteReceipt struct {
	ReceiptID       int64  `gorm:"column:receipt_id;primaryKey;autoIncrement"`
	UserID          string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_write_receipts_dedupe,priority:1"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_write_receipts_dedupe,priority:2"`
	DeviceID        string `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_write_receipts_dedupe,priority:3"`
	BaseVersion     int64  `gorm:"column:base_version;not null;uniqueIndex:idx_write_receipts_dedupe,priority:4"`
	ContentHash     string `gorm:"column:content_hash;size:32;not null;uniqueIndex:idx_write_receipts_dedupe,priority:5"`
	State           State  `gorm:"column:state;size:16;not null"`
	ResultVersion   int64  `gorm:"column:result_version;not null"`
	ConflictCopyID  string `gorm:"column:conflict_copy_id;size:190;not null;default:''"`
	EventID         string `gorm:"column:event_id;size:190;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_write_receipts_created"`
}

// TableName provides the explicit table binding for GORM.
func (WriteReceipt) TableName() string {
	return "document_write_receipts"
}
