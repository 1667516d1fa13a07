// Package retention runs the periodic maintenance of the sync engine: the event queue
// sweep, write receipt pruning and collaborative document compaction.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opRunnerNew = "retention.runner.new"
	opSweep     = "retention.sweep"
	opCompact   = "retention.compact"
	logMessage  = "retention runner error"

	// DefaultSweepInterval is the period between queue sweeps.
	DefaultSweepInterval = time.Hour
	// DefaultCompactInterval is the period between compaction passes.
	DefaultCompactInterval = 15 * time.Minute
	// DefaultCompactThreshold is the number of events past the snapshot that makes a document due.
	DefaultCompactThreshold = 200
	// DefaultReceiptRetention bounds how long a retried write can still replay its receipt.
	DefaultReceiptRetention = 7 * 24 * time.Hour
)

var errMissingQueue = errors.New("event queue is required")

// Sweeper removes expired sync events.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (events.SweepResult, error)
}

// ReceiptPruner removes document write receipts recorded before the cutoff.
type ReceiptPruner interface {
	PruneReceipts(ctx context.Context, before time.Time) (int, error)
}

// Compactor folds long document event logs into snapshots.
type Compactor interface {
	CompactDue(ctx context.Context, threshold int, prune bool) (int, error)
}

// RunnerConfig describes the dependencies of a Runner.
type RunnerConfig struct {
	Queue    Sweeper
	Receipts ReceiptPruner
	DocLog   Compactor
	Clock    clockwork.Clock
	Logger   *zap.Logger

	SweepInterval     time.Duration
	CompactInterval   time.Duration
	CompactThreshold  int
	PruneAfterCompact bool
	ReceiptRetention  time.Duration
}

// Runner schedules maintenance passes on its clock.
type Runner struct {
	queue    Sweeper
	receipts ReceiptPruner
	doclog   Compactor
	clock    clockwork.Clock
	logger   *zap.Logger

	sweepInterval     time.Duration
	compactInterval   time.Duration
	compactThreshold  int
	pruneAfterCompact bool
	receiptRetention  time.Duration
}

// NewRunner validates the configuration and constructs a Runner. Receipts and DocLog are
// optional; their passes are skipped when absent.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Queue == nil {
		return nil, svcerr.New(opRunnerNew, "missing_queue", errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := &Runner{
		queue:             cfg.Queue,
		receipts:          cfg.Receipts,
		doclog:            cfg.DocLog,
		clock:             clock,
		logger:            logger,
		sweepInterval:     cfg.SweepInterval,
		compactInterval:   cfg.CompactInterval,
		compactThreshold:  cfg.CompactThreshold,
		pruneAfterCompact: cfg.PruneAfterCompact,
		receiptRetention:  cfg.ReceiptRetention,
	}
	if runner.sweepInterval <= 0 {
		runner.sweepInterval = DefaultSweepInterval
	}
	if runner.compactInterval <= 0 {
		runner.compactInterval = DefaultCompactInterval
	}
	if runner.compactThreshold <= 0 {
		runner.compactThreshold = DefaultCompactThreshold
	}
	if runner.receiptRetention <= 0 {
		runner.receiptRetention = DefaultReceiptRetention
	}
	return runner, nil
}

// Run drives the sweep and compaction loops until ctx is cancelled. Failed passes are
// logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("retention runner launched",
		zap.Duration("sweep_interval", r.sweepInterval),
		zap.Duration("compact_interval", r.compactInterval),
		zap.Int("compact_threshold", r.compactThreshold),
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		r.loop(groupCtx, r.sweepInterval, func(passCtx context.Context) {
			_ = r.Sweep(passCtx)
		})
		return nil
	})
	if r.doclog != nil {
		group.Go(func() error {
			r.loop(groupCtx, r.compactInterval, func(passCtx context.Context) {
				_, _ = r.Compact(passCtx)
			})
			return nil
		})
	}
	return group.Wait()
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pass(ctx)
		}
	}
}

// Sweep runs one queue sweep followed by a receipt prune.
func (r *Runner) Sweep(ctx context.Context) error {
	now := r.clock.Now()
	if _, err := r.queue.Sweep(ctx, now); err != nil {
		svcerr.Log(r.logger, logMessage, opSweep, "queue_sweep_failed", err)
		return err
	}
	if r.receipts == nil {
		return nil
	}
	pruned, err := r.receipts.PruneReceipts(ctx, now.Add(-r.receiptRetention))
	if err != nil {
		svcerr.Log(r.logger, logMessage, opSweep, "receipt_prune_failed", err)
		return err
	}
	if pruned > 0 {
		r.logger.Info("write receipts pruned", zap.Int("receipts_removed", pruned))
	}
	return nil
}

// Compact runs one compaction pass and reports the number of documents compacted.
func (r *Runner) Compact(ctx context.Context) (int, error) {
	if r.doclog == nil {
		return 0, nil
	}
	compacted, err := r.doclog.CompactDue(ctx, r.compactThreshold, r.pruneAfterCompact)
	if err != nil {
		svcerr.Log(r.logger, logMessage, opCompact, "compact_due_failed", err)
		return compacted, err
	}
	if compacted > 0 {
		r.logger.Info("documents compacted", zap.Int("documents", compacted))
	}
	return compacted, nil
}
