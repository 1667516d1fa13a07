package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

// Resolution is the user's decision about a conflict copy.
type Resolution string

const (
	// ResolutionKeep promotes the copy's content onto the original.
	ResolutionKeep Resolution = "keep"
	// ResolutionDiscard deletes the copy.
	ResolutionDiscard Resolution = "discard"
)

// ParseResolution validates raw input and returns a Resolution.
func ParseResolution(rawInput string) (Resolution, error) {
	resolution := Resolution(strings.ToLower(strings.TrimSpace(rawInput)))
	switch resolution {
	case ResolutionKeep, ResolutionDiscard:
		return resolution, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResolution, rawInput)
	}
}

// ResolveResult describes the state after a resolution.
type ResolveResult struct {
	DocumentID ids.DocumentID
	Version    int64
	Content    string
}

// ResolveConflict applies the user's decision to a conflict copy and removes the copy.
// Both outcomes emit a document-updated event so other devices drop the copy.
func (s *Store) ResolveConflict(ctx context.Context, userID ids.UserID, copyID ids.DocumentID, resolution Resolution) (ResolveResult, error) {
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String("conflict_copy_id", copyID.String()),
	}

	var result ResolveResult
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		bound := s.WithTx(transaction)

		conflictCopy, err := bound.Get(ctx, userID, copyID)
		if err != nil {
			return err
		}
		if !conflictCopy.IsConflictCopy() {
			return fmt.Errorf("%w: %s", ErrNotConflictCopy, copyID)
		}
		original, err := bound.Get(ctx, userID, ids.DocumentID(*conflictCopy.ConflictOf))
		if err != nil && !errors.Is(err, ErrDocumentNotFound) {
			return err
		}
		originalMissing := errors.Is(err, ErrDocumentNotFound)

		switch {
		case resolution == ResolutionKeep && originalMissing:
			return fmt.Errorf("%w: original of %s no longer exists", ErrDocumentNotFound, copyID)
		case resolution == ResolutionKeep:
			nowMillis := s.clock().UTC().UnixMilli()
			updated := transaction.Model(&VersionedDocument{}).
				Where("document_id = ? AND version = ?", original.DocumentID, original.Version).
				Updates(map[string]any{
					"version":       gorm.Expr("version + 1"),
					"content":       conflictCopy.Content,
					"device_id":     conflictCopy.DeviceID,
					"updated_at_ms": nowMillis,
				})
			if updated.Error != nil {
				return svcerr.Fail(s.logger, logMessage, opResolve, "promote_failed", updated.Error, fields...)
			}
			if updated.RowsAffected == 0 {
				return svcerr.Fail(s.logger, logMessage, opResolve, "contention", errContention, fields...)
			}
			result = ResolveResult{
				DocumentID: ids.DocumentID(original.DocumentID),
				Version:    original.Version + 1,
				Content:    conflictCopy.Content,
			}
		case resolution == ResolutionDiscard:
			result = ResolveResult{
				DocumentID: ids.DocumentID(*conflictCopy.ConflictOf),
				Version:    original.Version,
				Content:    original.Content,
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
		}

		if err := transaction.Where(queryDocument, conflictCopy.DocumentID).Delete(&VersionedDocument{}).Error; err != nil {
			return svcerr.Fail(s.logger, logMessage, opResolve, "copy_delete_failed", err, fields...)
		}
		_, err = bound.queue.Enqueue(ctx, events.EnqueueRequest{
			UserID: userID,
			ItemID: ids.ItemID(conflictCopy.ItemID),
			Payload: events.DocumentUpdated{
				DocumentID:     result.DocumentID.String(),
				ConflictCopyID: conflictCopy.DocumentID,
				Version:        result.Version,
				Reason:         events.DocumentReasonResolved,
			},
		})
		return err
	})
	if transactionError != nil {
		return ResolveResult{}, transactionError
	}
	s.logger.Info("conflict copy resolved",
		zap.String(fieldUserID, userID.String()),
		zap.String("conflict_copy_id", copyID.String()),
		zap.String("resolution", string(resolution)))
	return result, nil
}
