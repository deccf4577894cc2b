package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/payload"
)

// MaintenanceWorker runs the periodic housekeeping of the bus: the
// dead-letter auto-retry sweep and the retention purge of payload snapshots.
//
// The worker runs continuously in the background, processing one batch per
// tick. The purge runs on its own, usually longer, interval.
//
// Thread safety: Safe for concurrent use. Each batch is processed sequentially.
type MaintenanceWorker struct {
	deadLetters   *dlq.Service
	payloads      *payload.Store
	logger        Logger
	batchSize     int
	purgeInterval time.Duration
	now           func() time.Time

	lastPurge time.Time
}

// WorkerOption configures a MaintenanceWorker.
type WorkerOption func(*MaintenanceWorker) error

// NewMaintenanceWorker creates a worker. At least one of
// WithWorkerDeadLetters and WithWorkerPayloads is required.
//
// Example:
//
//	svc, _ := bus.NewDeadLetterService()
//	worker, err := eventbus.NewMaintenanceWorker(
//	    eventbus.WithWorkerDeadLetters(svc),
//	    eventbus.WithWorkerPayloads(store),
//	    eventbus.WithWorkerLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go worker.Run(ctx, time.Minute)
func NewMaintenanceWorker(opts ...WorkerOption) (*MaintenanceWorker, error) {
	w := &MaintenanceWorker{
		logger:        &NoopLogger{},
		batchSize:     500,
		purgeInterval: time.Hour,
		now:           time.Now,
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if w.deadLetters == nil && w.payloads == nil {
		return nil, NewError(ErrCodeConfiguration, "nothing to maintain (use WithWorkerDeadLetters or WithWorkerPayloads)")
	}
	return w, nil
}

// WithWorkerDeadLetters enables the dead-letter sweep.
func WithWorkerDeadLetters(svc *dlq.Service) WorkerOption {
	return func(w *MaintenanceWorker) error {
		if svc == nil {
			return fmt.Errorf("dead-letter service cannot be nil")
		}
		w.deadLetters = svc
		return nil
	}
}

// WithWorkerPayloads enables the payload retention purge.
func WithWorkerPayloads(store *payload.Store) WorkerOption {
	return func(w *MaintenanceWorker) error {
		if store == nil {
			return fmt.Errorf("payload store cannot be nil")
		}
		w.payloads = store
		return nil
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger Logger) WorkerOption {
	return func(w *MaintenanceWorker) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		w.logger = logger
		return nil
	}
}

// WithWorkerBatchSize limits how many payload rows one purge touches. Default is 500.
func WithWorkerBatchSize(size int) WorkerOption {
	return func(w *MaintenanceWorker) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		w.batchSize = size
		return nil
	}
}

// WithWorkerPurgeInterval sets the minimum time between two purges. Default is 1h.
func WithWorkerPurgeInterval(d time.Duration) WorkerOption {
	return func(w *MaintenanceWorker) error {
		if d <= 0 {
			return fmt.Errorf("purge interval must be positive, got %v", d)
		}
		w.purgeInterval = d
		return nil
	}
}

// SweepDeadLetters republishes the dead letters whose next automatic retry is due.
// Returns the number of entries republished.
func (w *MaintenanceWorker) SweepDeadLetters(ctx context.Context) (int, error) {
	if w.deadLetters == nil {
		return 0, nil
	}
	n, err := w.deadLetters.Sweep(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to sweep dead letters: %w", err)
	}
	return n, nil
}

// PurgeExpiredPayloads soft-deletes payload snapshots past their retention.
// Returns the number of purged snapshots.
func (w *MaintenanceWorker) PurgeExpiredPayloads(ctx context.Context) (int, error) {
	if w.payloads == nil {
		return 0, nil
	}
	n, err := w.payloads.PurgeExpired(ctx, w.now(), w.batchSize)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return 0, nil
		}
		return n, fmt.Errorf("failed to purge payloads: %w", err)
	}
	return n, nil
}

// Run starts the maintenance loop. It runs until the context is canceled,
// processing one batch per interval. The first purge happens on the first tick.
//
// This method blocks and should typically be run in a goroutine.
func (w *MaintenanceWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Maintenance worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Maintenance worker stopped")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch runs one sweep and, when due, one purge.
func (w *MaintenanceWorker) processBatch(ctx context.Context) {
	retried, err := w.SweepDeadLetters(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Errorf("Error sweeping dead letters: %v", err)
	}

	purged := 0
	if now := w.now(); w.lastPurge.IsZero() || now.Sub(w.lastPurge) >= w.purgeInterval {
		w.lastPurge = now
		purged, err = w.PurgeExpiredPayloads(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Errorf("Error purging payloads: %v", err)
		}
	}

	if retried > 0 || purged > 0 {
		w.logger.Infof("Batch processed: dead_letters_retried=%d, payloads_purged=%d", retried, purged)
	}
}
