// Package heartbeat runs the device reconciliation cycle: artifact version diff, progress
// merge, document writes and event drain, answered in one response.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opServiceNew = "heartbeat.service.new"
	opHeartbeat  = "heartbeat.run"
	logMessage   = "heartbeat service error"

	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"

	defaultDrainLimit = 200
)

// ErrInvalidRequest indicates a structurally invalid heartbeat; nothing was applied.
var ErrInvalidRequest = errors.New("heartbeat: invalid request")

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingVersioner = errors.New("artifact versioner is required")
	errMissingStore     = errors.New("progress and document stores are required")
	errMissingQueue     = errors.New("event queue is required")
)

// VersionSource supplies the authoritative artifact versions of an item.
type VersionSource interface {
	Current(ctx context.Context, itemID ids.ItemID) (artifacts.Versions, error)
}

// ServiceConfig describes the dependencies of the heartbeat service.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   metrics.Recorder
	Versions  VersionSource
	Progress  *progress.Store
	Documents *documents.Store
	Queue     *events.Queue
	// Publisher nudges the user's other devices after a heartbeat changed their documents.
	Publisher events.Publisher
	// DrainLimit caps the events returned by one heartbeat; the rest wait for the next one.
	DrainLimit int
}

// Service orchestrates heartbeats.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	metrics    metrics.Recorder
	versions   VersionSource
	progress   *progress.Store
	documents  *documents.Store
	queue      *events.Queue
	publisher  events.Publisher
	drainLimit int
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Versions == nil {
		return nil, svcerr.New(opServiceNew, "missing_versioner", errMissingVersioner)
	}
	if cfg.Progress == nil || cfg.Documents == nil {
		return nil, svcerr.New(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, svcerr.New(opServiceNew, "missing_queue", errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	drainLimit := cfg.DrainLimit
	if drainLimit <= 0 {
		drainLimit = defaultDrainLimit
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		metrics:    metrics.OrNoop(cfg.Metrics),
		versions:   cfg.Versions,
		progress:   cfg.Progress,
		documents:  cfg.Documents,
		queue:      cfg.Queue,
		publisher:  cfg.Publisher,
		drainLimit: drainLimit,
	}, nil
}

// ProgressWrite is a device's local reading-progress mutation.
type ProgressWrite struct {
	Progress     float64
	LastLocation string
	// TimestampMillis is the device wall-clock time of the mutation.
	TimestampMillis int64
}

// DocumentWrite is a device's local note or highlight edit.
type DocumentWrite struct {
	DocumentID  ids.DocumentID
	Kind        documents.Kind
	BaseVersion int64
	Content     string
}

// Request is one heartbeat from a device.
type Request struct {
	ItemID         ids.ItemID
	DeviceID       ids.DeviceID
	ClientVersions artifacts.Versions
	Progress       *ProgressWrite
	Documents      []DocumentWrite
	// Since limits drained events to those created after the cursor.
	Since *time.Time
}

// ProgressResult reports the merge of the progress write, or the stored state when the
// heartbeat carried no write.
type ProgressResult struct {
	Accepted bool
	Merged   progress.ReadingProgress
}

// Conflict reports a conflict copy created by this heartbeat.
type Conflict struct {
	DocumentID     ids.DocumentID
	ConflictCopyID ids.DocumentID
}

// Rejection reports a document write refused as a protocol violation.
type Rejection struct {
	DocumentID ids.DocumentID
	Reason     string
}

// Response is the consolidated answer to a heartbeat.
type Response struct {
	ServerVersions artifacts.Versions
	Changes        []artifacts.Change
	Progress       *ProgressResult
	Documents      []documents.WriteResult
	Conflicts      []Conflict
	Rejected       []Rejection
	Events         []events.Event
	// FullResync tells the device to discard incremental state and resynchronize fully.
	FullResync bool
	// MorePending is set when matching events are still queued after the drain, so the
	// device should send another heartbeat right away.
	MorePending bool
}

// Heartbeat runs one reconciliation cycle. Progress, document writes and the event drain
// commit together or not at all; a failed heartbeat can be retried as a whole because
// progress writes are LWW-idempotent and document writes replay their receipts.
func (s *Service) Heartbeat(ctx context.Context, userID ids.UserID, request Request) (Response, error) {
	started := s.clock()
	request, update, err := normalize(userID, request)
	if err != nil {
		s.metrics.ObserveHeartbeat(outcomeRejected, s.clock().Sub(started))
		return Response{}, err
	}
	fields := []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("item_id", request.ItemID.String()),
		zap.String("device_id", request.DeviceID.String()),
	}

	serverVersions, err := s.versions.Current(ctx, request.ItemID)
	if err != nil {
		s.metrics.ObserveHeartbeat(outcomeFailed, s.clock().Sub(started))
		return Response{}, svcerr.Fail(s.logger, logMessage, opHeartbeat, "versions_failed", err, fields...)
	}
	response := Response{
		ServerVersions: serverVersions,
		Changes:        serverVersions.Diff(request.ClientVersions),
	}

	emitted := 0
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		progressStore := s.progress.WithTx(transaction)
		documentStore := s.documents.WithTx(transaction)
		queue := s.queue.WithTx(transaction)

		if update != nil {
			outcome, err := progressStore.Apply(ctx, userID, request.ItemID, *update, serverVersions)
			if err != nil {
				return err
			}
			response.Progress = &ProgressResult{Accepted: outcome.Accepted, Merged: outcome.Merged}
		} else {
			if err := progressStore.Touch(ctx, userID, request.ItemID); err != nil {
				return err
			}
			stored, err := progressStore.Get(ctx, userID, request.ItemID)
			if err != nil {
				return err
			}
			if stored != nil {
				response.Progress = &ProgressResult{Accepted: false, Merged: *stored}
			}
		}

		var ownEvents []string
		for _, write := range request.Documents {
			result, err := documentStore.Write(ctx, userID, documents.WriteRequest{
				DocumentID:  write.DocumentID,
				ItemID:      request.ItemID,
				Kind:        write.Kind,
				BaseVersion: write.BaseVersion,
				Content:     write.Content,
				DeviceID:    request.DeviceID,
			})
			if errors.Is(err, documents.ErrProtocolViolation) {
				response.Rejected = append(response.Rejected, Rejection{DocumentID: write.DocumentID, Reason: err.Error()})
				continue
			}
			if err != nil {
				return err
			}
			response.Documents = append(response.Documents, result)
			if result.State == documents.StateStale {
				response.Conflicts = append(response.Conflicts, Conflict{
					DocumentID:     result.DocumentID,
					ConflictCopyID: result.ConflictCopyID,
				})
			}
			if result.EventID != "" {
				ownEvents = append(ownEvents, result.EventID)
				if !result.Replayed {
					emitted++
				}
			}
		}

		fullResync, err := queue.ConsumeResyncFlag(ctx, userID)
		if err != nil {
			return err
		}
		response.FullResync = fullResync

		drainOptions := events.DrainOptions{
			Since:    request.Since,
			DeviceID: request.DeviceID,
			Limit:    s.drainLimit,
			Exclude:  ownEvents,
		}
		drained, err := queue.DrainPending(ctx, userID, drainOptions)
		if err != nil {
			return err
		}
		response.Events = drained
		remaining, err := queue.CountPending(ctx, userID, drainOptions)
		if err != nil {
			return err
		}
		response.MorePending = remaining > 0
		return nil
	})
	if transactionError != nil {
		s.metrics.ObserveHeartbeat(outcomeFailed, s.clock().Sub(started))
		svcerr.Log(s.logger, logMessage, opHeartbeat, "transaction_failed", transactionError, fields...)
		return Response{}, transactionError
	}

	if emitted > 0 && s.publisher != nil {
		s.publisher.Publish(userID, request.ItemID, events.KindDocumentUpdated)
	}
	if len(response.Rejected) > 0 {
		s.logger.Warn("heartbeat rejected document writes",
			append(fields, zap.Int("rejected", len(response.Rejected)))...)
	}
	s.metrics.ObserveHeartbeat(outcomeOK, s.clock().Sub(started))
	return response, nil
}

// normalize validates the request and returns it with trimmed identifiers and canonical
// document kinds, plus the progress update it carries, if any.
func normalize(userID ids.UserID, request Request) (Request, *progress.Update, error) {
	if userID == "" {
		return Request{}, nil, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	itemID, err := ids.NewItemID(request.ItemID.String())
	if err != nil {
		return Request{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	deviceID, err := ids.NewDeviceID(request.DeviceID.String())
	if err != nil {
		return Request{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	normalized := request
	normalized.ItemID = itemID
	normalized.DeviceID = deviceID
	normalized.Documents = make([]DocumentWrite, 0, len(request.Documents))
	for _, write := range request.Documents {
		documentID, err := ids.NewDocumentID(write.DocumentID.String())
		if err != nil {
			return Request{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		kind, err := documents.ParseKind(string(write.Kind))
		if err != nil {
			return Request{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		write.DocumentID = documentID
		write.Kind = kind
		normalized.Documents = append(normalized.Documents, write)
	}
	if request.Progress == nil {
		return normalized, nil, nil
	}
	update, err := progress.NewUpdate(request.Progress.Progress, request.Progress.LastLocation, request.Progress.TimestampMillis, deviceID)
	if err != nil {
		return Request{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return normalized, &update, nil
}
