// Package doclog stores collaborative documents as an append-only delta log with
// periodic snapshot compaction.
package doclog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrInvalidDelta indicates a delta that is empty or not a valid patch.
	ErrInvalidDelta = errors.New("doclog: invalid delta")
	// ErrDeltaNotApplicable indicates a delta whose patches do not apply to the document's
	// current content.
	ErrDeltaNotApplicable = errors.New("doclog: delta does not apply to the current document")
	// ErrInvalidSnapshot indicates a stored snapshot that cannot be decoded.
	ErrInvalidSnapshot = errors.New("doclog: invalid snapshot")
)

// Delta is a textual patch, as produced by diff-match-patch, transforming one document
// state into the next.
type Delta string

// NewDelta validates raw input and returns a Delta.
func NewDelta(rawInput string) (Delta, error) {
	if strings.TrimSpace(rawInput) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDelta)
	}
	patches, err := diffmatchpatch.New().PatchFromText(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if len(patches) == 0 {
		return "", fmt.Errorf("%w: no patches", ErrInvalidDelta)
	}
	return Delta(rawInput), nil
}

// String returns the patch text.
func (delta Delta) String() string {
	return string(delta)
}

// Diff returns the delta that transforms base into next.
func Diff(base, next string) Delta {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, next, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)
	return Delta(dmp.PatchToText(dmp.PatchMake(base, diffs)))
}

// apply replays one delta. Patch application is deterministic, so replaying the same
// sequence from the same starting state always yields the same content.
func apply(dmp *diffmatchpatch.DiffMatchPatch, content string, delta string) (string, error) {
	patches, err := dmp.PatchFromText(delta)
	if err != nil {
		return content, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	next, applied := dmp.PatchApply(patches, content)
	for index, ok := range applied {
		if !ok {
			return content, fmt.Errorf("%w: patch %d of %d", ErrDeltaNotApplicable, index+1, len(applied))
		}
	}
	return next, nil
}

// DocEvent is one immutable log entry. EventID is assigned on append, so it orders a
// document's events by creation.
type DocEvent struct {
	EventID         int64  `gorm:"column:event_id;primaryKey;autoIncrement"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_doc_events_user_document,priority:1;uniqueIndex:idx_doc_events_dedupe,priority:1"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index:idx_doc_events_user_document,priority:2;uniqueIndex:idx_doc_events_dedupe,priority:2"`
	DeviceID        string `gorm:"column:device_id;size:190;not null;default:''"`
	Delta           string `gorm:"column:delta;type:text;not null"`
	DeltaHash       string `gorm:"column:delta_hash;size:32;not null;uniqueIndex:idx_doc_events_dedupe,priority:3"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocEvent) TableName() string {
	return "doc_events"
}

// DocSnapshot is the materialized content of a document up to and including CutoffEventID.
type DocSnapshot struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	ContentZstd     []byte `gorm:"column:content_zstd;not null"`
	CutoffEventID   int64  `gorm:"column:cutoff_event_id;not null;default:0"`
	CutoffAtMillis  int64  `gorm:"column:cutoff_at_ms;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocSnapshot) TableName() string {
	return "doc_snapshots"
}
