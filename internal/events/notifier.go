package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
)

const defaultNotifyTimeout = 2 * time.Second

// ArtifactInvalidator drops cached artifact fingerprints once a new version lands.
type ArtifactInvalidator interface {
	Invalidate(itemID ids.ItemID, artifact string)
}

// Publisher nudges connected devices that new events are pending.
type Publisher interface {
	Publish(userID ids.UserID, itemID ids.ItemID, kind Kind)
}

// NotifierConfig describes the dependencies of a Notifier.
type NotifierConfig struct {
	Queue       *Queue
	Logger      *zap.Logger
	Metrics     metrics.Recorder
	Invalidator ArtifactInvalidator
	Publisher   Publisher
	Timeout     time.Duration
}

// Notifier is the entry point for background completion handlers. Notify never returns an
// error to the caller: a failed append is logged, counted and converted into a resync flag.
type Notifier struct {
	queue       *Queue
	logger      *zap.Logger
	metrics     metrics.Recorder
	invalidator ArtifactInvalidator
	publisher   Publisher
	timeout     time.Duration
}

// NewNotifier constructs a Notifier around the queue.
func NewNotifier(cfg NotifierConfig) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &Notifier{
		queue:       cfg.Queue,
		logger:      logger,
		metrics:     metrics.OrNoop(cfg.Metrics),
		invalidator: cfg.Invalidator,
		publisher:   cfg.Publisher,
		timeout:     timeout,
	}
}

// Notify persists the event within a bounded time, detached from the caller's cancellation.
// It reports whether the event was durably accepted.
func (n *Notifier) Notify(ctx context.Context, request EnqueueRequest) bool {
	if n == nil || n.queue == nil {
		return false
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if request.Payload != nil && n.invalidator != nil {
		switch payload := request.Payload.(type) {
		case ArtifactReady:
			n.invalidator.Invalidate(request.ItemID, payload.Artifact)
		case MetadataUpdated:
			n.invalidator.Invalidate(request.ItemID, "metadata")
		}
	}

	if _, err := n.queue.Enqueue(notifyCtx, request); err != nil {
		n.metrics.IncEnqueueFailures()
		n.logger.Warn("sync notification dropped; flagging user for resync",
			zap.String(fieldUserID, request.UserID.String()),
			zap.String(fieldItemID, request.ItemID.String()),
			zap.Error(err))
		if flagErr := n.queue.FlagResync(notifyCtx, request.UserID, ResyncReasonEnqueueFailed); flagErr != nil {
			n.logger.Error("resync flag failed after dropped notification",
				zap.String(fieldUserID, request.UserID.String()),
				zap.Error(flagErr))
		}
		return false
	}

	if n.publisher != nil {
		n.publisher.Publish(request.UserID, request.ItemID, request.Payload.Kind())
	}
	return true
}
