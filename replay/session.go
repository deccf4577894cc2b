package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the session has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("replay session not found")

	// ErrInvalidTransition is returned when a control call does not fit the session status.
	ErrInvalidTransition = errors.New("invalid replay session transition")
)

// Progress is a point-in-time view of a session.
type Progress struct {
	Total               int        `json:"total"`
	Processed           int        `json:"processed"`
	Skipped             int        `json:"skipped"`
	Errors              int        `json:"errors"`
	StartedAt           time.Time  `json:"startedAt"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// EventError records one event that could not be replayed.
type EventError struct {
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Stream    string `json:"stream,omitempty"`
	Error     string `json:"error"`
}

// Result is the outcome of a finished session.
type Result struct {
	SessionID       string        `json:"sessionId"`
	Status          Status        `json:"status"`
	EventsProcessed int           `json:"eventsProcessed"`
	EventsSkipped   int           `json:"eventsSkipped"`
	Errors          int           `json:"errors"`
	Duration        time.Duration `json:"duration"`
	EventErrors     []EventError  `json:"eventErrors,omitempty"`
	Failure         string        `json:"failure,omitempty"`
}

// Session is one replay run.
type Session struct {
	ID      string
	Options Options

	mu       sync.Mutex
	status   Status
	progress Progress
	errs     []EventError
	result   *Result
	resume   chan struct{} // non-nil while paused
	cancel   context.CancelFunc
	done     chan struct{}
}

func newSession(id string, opts Options) *Session {
	return &Session{
		ID:      id,
		Options: opts,
		status:  StatusIdle,
		done:    make(chan struct{}),
	}
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns counters and the completion estimate at now.
func (s *Session) Progress(now time.Time) Progress {
	s.mu.Lock()
	p := s.progress
	s.mu.Unlock()

	p.EstimatedCompletion = EstimateCompletion(p, now)
	return p
}

// Result returns the final result, or nil while the session runs.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Done is closed when the session finishes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) start(cancel context.CancelFunc, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
	s.cancel = cancel
	s.progress.StartedAt = now
}

func (s *Session) pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return fmt.Errorf("%w: cannot pause a %s session", ErrInvalidTransition, s.status)
	}
	s.status = StatusPaused
	s.resume = make(chan struct{})
	return nil
}

func (s *Session) unpause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return fmt.Errorf("%w: cannot resume a %s session", ErrInvalidTransition, s.status)
	}
	s.status = StatusRunning
	close(s.resume)
	s.resume = nil
	return nil
}

func (s *Session) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, s.status)
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// waitIfPaused blocks while the session is paused.
func (s *Session) waitIfPaused(ctx context.Context) error {
	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()
	if resume == nil {
		return nil
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setTotal(n int) {
	s.mu.Lock()
	s.progress.Total = n
	s.mu.Unlock()
}

func (s *Session) countProcessed() {
	s.mu.Lock()
	s.progress.Processed++
	s.mu.Unlock()
}

func (s *Session) countSkipped() {
	s.mu.Lock()
	s.progress.Skipped++
	s.mu.Unlock()
}

func (s *Session) countError(e EventError) {
	s.mu.Lock()
	s.progress.Errors++
	s.errs = append(s.errs, e)
	s.mu.Unlock()
}

func (s *Session) finish(status Status, failure error, now time.Time) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
	s.result = &Result{
		SessionID:       s.ID,
		Status:          status,
		EventsProcessed: s.progress.Processed,
		EventsSkipped:   s.progress.Skipped,
		Errors:          s.progress.Errors,
		Duration:        now.Sub(s.progress.StartedAt),
		EventErrors:     append([]EventError(nil), s.errs...),
	}
	if failure != nil {
		s.result.Failure = failure.Error()
	}
	return s.result
}

func (s *Session) markDone() {
	close(s.done)
}
