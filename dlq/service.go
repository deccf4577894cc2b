package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/retry"
)

// Logger is the subset of the bus logger the service writes to.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBatchSize limits how many due entries one sweep handles (default 100).
func WithBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSchedule replaces DefaultAutoRetrySchedule.
func WithSchedule(schedule retry.Schedule) ServiceOption {
	return func(s *Service) {
		s.schedule = schedule
	}
}

// WithStaleRetryAfter sets how long an entry may stay retrying before a
// sweep or manual retry treats the attempt as lost (default 15m).
func WithStaleRetryAfter(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// DefaultStaleRetryAfter is how long a retrying entry is left alone before it
// is considered abandoned by a crashed process.
const DefaultStaleRetryAfter = 15 * time.Minute

// Service drives dead-letter rows after the consumer handed them off.
//
// Thread safety: Sweep is not meant to run concurrently with itself; Run
// serializes sweeps. Manual operations may run alongside and are guarded by
// the status transitions on the row.
type Service struct {
	store     Store
	publisher Publisher
	logger    Logger
	schedule  retry.Schedule
	batchSize  int
	staleAfter time.Duration
	now        func() time.Time
}

// NewService creates a Service.
func NewService(store Store, publisher Publisher, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("dlq: store is required")
	}
	if publisher == nil {
		return nil, errors.New("dlq: publisher is required")
	}

	s := &Service{
		store:     store,
		publisher: publisher,
		logger:    nopLogger{},
		schedule:  DefaultAutoRetrySchedule,
		batchSize:  100,
		staleAfter: DefaultStaleRetryAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep republishes every due pending entry once. A successful republish
// advances the schedule; a failed one leaves the schedule as is and records the
// error, so the entry is picked up again by the next sweep.
//
// Returns the number of entries republished. Per-entry failures are logged and
// don't stop the batch.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if err := s.recoverStale(ctx); err != nil {
		return 0, err
	}

	now := s.now()
	due, err := s.store.FindDueForRetry(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("dlq: finding due entries: %w", err)
	}

	republished := 0
	for i := range due {
		if ctx.Err() != nil {
			return republished, ctx.Err()
		}

		entry := &due[i]
		if !entry.IsDue(now) {
			continue
		}
		if err := s.autoRetry(ctx, entry); err != nil {
			s.logger.Warnf("Auto retry of dead letter %d (event %s, attempt %d) failed: %v",
				entry.ID, entry.EventID, entry.AutoRetryCount+1, err)
			continue
		}
		republished++
	}

	if republished > 0 {
		s.logger.Infof("Dead-letter sweep republished %d of %d due entries", republished, len(due))
	}
	return republished, nil
}

// recoverStale returns entries left in retrying by an interrupted attempt to
// pending so the schedule picks them up again.
func (s *Service) recoverStale(ctx context.Context) error {
	stuck, err := s.store.FindByStatus(ctx, model.DeadLetterRetrying, s.batchSize)
	if err != nil {
		return fmt.Errorf("dlq: finding retrying entries: %w", err)
	}

	now := s.now()
	for i := range stuck {
		entry := &stuck[i]
		if !entry.RecoverStaleRetry(now, s.staleAfter) {
			continue
		}
		if err := s.store.Update(ctx, entry); err != nil {
			s.logger.Errorf("Failed to recover stale retry of dead letter %d: %v", entry.ID, err)
			continue
		}
		s.logger.Warnf("Recovered dead letter %d (event %s) stuck in retrying since %v",
			entry.ID, entry.EventID, entry.LastRetryAt.Time)
	}
	return nil
}

func (s *Service) autoRetry(ctx context.Context, entry *model.DeadLetter) error {
	now := s.now()
	if err := entry.StartRetry(now); err != nil {
		return err
	}
	if err := s.store.Update(ctx, entry); err != nil {
		return fmt.Errorf("marking retrying: %w", err)
	}

	if err := s.republish(ctx, entry); err != nil {
		entry.FailRetry(s.now(), err)
		if uerr := s.store.Update(ctx, entry); uerr != nil {
			s.logger.Errorf("Failed to record retry failure of dead letter %d: %v", entry.ID, uerr)
		}
		return err
	}

	done := s.now()
	entry.CompleteAutoRetry(done, s.schedule.Next(entry.AutoRetryCount+1, done))
	if err := s.store.Update(ctx, entry); err != nil {
		return fmt.Errorf("recording retry: %w", err)
	}
	return nil
}

func (s *Service) republish(ctx context.Context, entry *model.DeadLetter) error {
	evt, err := DecodeEvent(*entry)
	if err != nil {
		return err
	}
	if _, err := s.publisher.Republish(ctx, evt); err != nil {
		return fmt.Errorf("republishing event %s: %w", evt.ID, err)
	}
	return nil
}

// Run sweeps at the given interval until ctx is canceled.
// This method blocks and should typically be run in a goroutine.
//
// Example:
//
//	go svc.Run(ctx, time.Minute)
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infof("Dead-letter sweeper started (interval=%v)", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Dead-letter sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Errorf("Dead-letter sweep failed: %v", err)
			}
		}
	}
}

// Retry republishes an entry on operator request, regardless of its schedule.
func (s *Service) Retry(ctx context.Context, id int64, by string) (model.DeadLetter, error) {
	entry, err := s.store.Load(ctx, id)
	if err != nil {
		return model.DeadLetter{}, err
	}

	entry.RecoverStaleRetry(s.now(), s.staleAfter)
	if err := entry.StartRetry(s.now()); err != nil {
		return entry, err
	}
	if err := s.store.Update(ctx, &entry); err != nil {
		return entry, fmt.Errorf("dlq: marking entry %d retrying: %w", id, err)
	}

	if err := s.republish(ctx, &entry); err != nil {
		entry.FailRetry(s.now(), err)
		if uerr := s.store.Update(ctx, &entry); uerr != nil {
			s.logger.Errorf("Failed to record retry failure of dead letter %d: %v", id, uerr)
		}
		return entry, err
	}

	entry.CompleteManualRetry(s.now())
	if err := s.store.Update(ctx, &entry); err != nil {
		return entry, fmt.Errorf("dlq: recording retry of entry %d: %w", id, err)
	}
	s.logger.Infof("Dead letter %d (event %s) retried by %s", id, entry.EventID, by)
	return entry, nil
}

// Resolve marks an entry handled.
func (s *Service) Resolve(ctx context.Context, id int64, by, note string) (model.DeadLetter, error) {
	return s.finish(ctx, id, func(e *model.DeadLetter) error { return e.Resolve(by, note) })
}

// Abandon gives up on an entry.
func (s *Service) Abandon(ctx context.Context, id int64, by, note string) (model.DeadLetter, error) {
	return s.finish(ctx, id, func(e *model.DeadLetter) error { return e.Abandon(by, note) })
}

func (s *Service) finish(ctx context.Context, id int64, transition func(*model.DeadLetter) error) (model.DeadLetter, error) {
	entry, err := s.store.Load(ctx, id)
	if err != nil {
		return model.DeadLetter{}, err
	}
	if err := transition(&entry); err != nil {
		return entry, err
	}
	if err := s.store.Update(ctx, &entry); err != nil {
		return entry, fmt.Errorf("dlq: updating entry %d: %w", id, err)
	}
	s.logger.Infof("Dead letter %d %s by %s", id, entry.Status, entry.ResolvedBy)
	return entry, nil
}

// Get loads one entry.
func (s *Service) Get(ctx context.Context, id int64) (model.DeadLetter, error) {
	return s.store.Load(ctx, id)
}

// List returns entries with the given status.
func (s *Service) List(ctx context.Context, status model.DeadLetterStatus, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	return s.store.FindByStatus(ctx, status, limit)
}

// Stats returns aggregate counts for monitoring.
func (s *Service) Stats(ctx context.Context) (model.DeadLetterStats, error) {
	return s.store.GetStats(ctx)
}
