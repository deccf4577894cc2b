package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/eventbus/idempotency"
	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/retry"
	"github.com/coregx/eventbus/subject"
	"github.com/coregx/eventbus/substrate"
)

// Source reads stored messages back from the log.
type Source interface {
	Read(ctx context.Context, opts substrate.ReadOptions) (substrate.Reader, error)
}

// Publisher republishes events and emits the session notifications.
type Publisher interface {
	Republish(ctx context.Context, evt *model.Event) (*model.PublishResult, error)
	PublishGeneric(ctx context.Context, eventType string, payload any, meta model.Metadata) (*model.PublishResult, error)
}

// Logger is the subset of the bus logger the engine writes to.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{}) {}

// Config wires an Engine.
type Config struct {
	Source    Source
	Publisher Publisher

	// Streams lists every stream name, SystemStream included.
	Streams      []string
	SystemStream string
	// StreamFor resolves the stream holding an event type.
	StreamFor func(eventType string) string

	// Processed backs Options.SkipProcessed under ProcessedScope.
	Processed      idempotency.Store
	ProcessedScope string

	Logger Logger
}

// Engine runs replay sessions. It is safe for concurrent use.
type Engine struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("replay: source is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("replay: publisher is required")
	}
	if cfg.StreamFor == nil {
		return nil, errors.New("replay: stream resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &Engine{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Start validates opts and runs a session in the background. The session is
// not bound to ctx cancellation; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, &ValidationError{Result: ValidationResult{Valid: false, Error: err.Error()}, Err: err}
	}
	if opts.SkipProcessed && e.cfg.Processed == nil {
		err := errors.New("skipProcessed requires a processed-event store")
		return nil, &ValidationError{Result: ValidationResult{Valid: false, Error: err.Error()}, Err: err}
	}

	s := newSession(uuid.NewString(), opts)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.start(cancel, e.now())

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	go e.run(runCtx, s)
	return s, nil
}

// Run starts a session and waits for its result.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	s, err := e.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	res, err := s.Wait(ctx)
	if err != nil {
		_ = s.stop()
		<-s.Done()
		return s.Result(), err
	}
	return res, nil
}

// Session returns a session by id.
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions returns every tracked session.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Pause holds a running session before its next event.
func (e *Engine) Pause(id string) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.pause()
}

// Resume continues a paused session.
func (e *Engine) Resume(id string) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.unpause()
}

// Cancel stops a session. Events already republished stay published.
func (e *Engine) Cancel(id string) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.stop()
}

// Progress returns the progress of a session.
func (e *Engine) Progress(id string) (Progress, error) {
	s, err := e.Session(id)
	if err != nil {
		return Progress{}, err
	}
	return s.Progress(e.now()), nil
}

// Status returns the status of a session.
func (e *Engine) Status(id string) (Status, error) {
	s, err := e.Session(id)
	if err != nil {
		return "", err
	}
	return s.Status(), nil
}

// Wait blocks until a session finishes.
func (e *Engine) Wait(ctx context.Context, id string) (*Result, error) {
	s, err := e.Session(id)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx)
}

// Forget drops a finished session from the engine.
func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.Status().IsTerminal() {
		return fmt.Errorf("%w: session %s is still %s", ErrInvalidTransition, id, s.Status())
	}
	delete(e.sessions, id)
	return nil
}

// Close cancels every running session and waits for them to finish.
func (e *Engine) Close() {
	for _, s := range e.Sessions() {
		_ = s.stop()
		<-s.Done()
	}
}

func (e *Engine) run(ctx context.Context, s *Session) {
	opts := s.Options
	e.notifyStarted(ctx, s)

	events, err := e.collect(ctx, s)
	if err != nil {
		if status := statusFor(ctx, err); status == StatusCancelled {
			e.complete(ctx, s, status, nil)
		} else {
			e.complete(ctx, s, status, err)
		}
		return
	}
	s.setTotal(len(events))
	e.cfg.Logger.Infof("Replay %s: %d matching events (dryRun=%v)", s.ID, len(events), opts.DryRun)

	var prev *model.Event
	for _, evt := range events {
		if err := s.waitIfPaused(ctx); err != nil {
			e.complete(ctx, s, StatusCancelled, nil)
			return
		}
		if ctx.Err() != nil {
			e.complete(ctx, s, StatusCancelled, nil)
			return
		}

		if opts.SkipProcessed {
			done, err := e.cfg.Processed.IsProcessed(ctx, e.cfg.ProcessedScope, evt.ID)
			if err != nil {
				s.countError(eventError(evt, err))
				continue
			}
			if done {
				s.countSkipped()
				continue
			}
		}

		if !opts.DryRun {
			if err := e.pace(ctx, opts, prev, evt); err != nil {
				e.complete(ctx, s, StatusCancelled, nil)
				return
			}
			if _, err := e.cfg.Publisher.Republish(ctx, evt); err != nil {
				s.countError(eventError(evt, err))
				prev = evt
				continue
			}
		}
		s.countProcessed()
		prev = evt
	}

	e.complete(ctx, s, StatusCompleted, nil)
}

func statusFor(ctx context.Context, err error) Status {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return StatusCancelled
	}
	return StatusFailed
}

func eventError(evt *model.Event, err error) EventError {
	return EventError{EventID: evt.ID, EventType: evt.Type, Sequence: evt.Metadata.StreamSequence, Error: err.Error()}
}

// pace sleeps for the original gap between prev and evt scaled by the speed multiplier.
func (e *Engine) pace(ctx context.Context, opts Options, prev, evt *model.Event) error {
	if prev == nil || opts.SpeedMultiplier == nil || *opts.SpeedMultiplier <= 0 {
		return nil
	}
	gap := evt.Timestamp.Sub(prev.Timestamp)
	if gap <= 0 {
		return nil
	}
	return retry.Sleep(ctx, time.Duration(float64(gap) / *opts.SpeedMultiplier))
}

// streams returns the streams to read with their server-side subject filters.
func (e *Engine) streams(opts Options) map[string][]string {
	out := make(map[string][]string)
	if len(opts.EventTypes) == 0 {
		for _, name := range e.cfg.Streams {
			if name == e.cfg.SystemStream {
				continue
			}
			out[name] = nil
		}
		return out
	}
	for _, t := range opts.EventTypes {
		name := e.cfg.StreamFor(t)
		out[name] = append(out[name], subject.TypeFilters(t)...)
	}
	return out
}

type cursor struct {
	stream string
	reader substrate.Reader
	head   *model.Event
}

// collect reads every matching event, merged across streams by timestamp,
// up to the limit.
func (e *Engine) collect(ctx context.Context, s *Session) ([]*model.Event, error) {
	opts := s.Options
	plan := e.streams(opts)

	names := make([]string, 0, len(plan))
	for name := range plan {
		names = append(names, name)
	}
	slices.Sort(names)

	var cursors []*cursor
	defer func() {
		for _, c := range cursors {
			_ = c.reader.Close()
		}
	}()

	for _, name := range names {
		r, err := e.cfg.Source.Read(ctx, substrate.ReadOptions{
			Stream:         name,
			FilterSubjects: plan[name],
			Since:          opts.Since,
		})
		if err != nil {
			if errors.Is(err, substrate.ErrStreamNotFound) {
				e.cfg.Logger.Warnf("Replay %s: stream %s not found, skipped", s.ID, name)
				continue
			}
			return nil, fmt.Errorf("replay: reading %s: %w", name, err)
		}
		c := &cursor{stream: name, reader: r}
		cursors = append(cursors, c)
		if err := e.advance(ctx, s, c); err != nil {
			return nil, err
		}
	}

	var out []*model.Event
	for {
		if opts.Limit != nil && len(out) >= *opts.Limit {
			return out, nil
		}

		var next *cursor
		for _, c := range cursors {
			if c.head == nil {
				continue
			}
			if next == nil || c.head.Timestamp.Before(next.head.Timestamp) {
				next = c
			}
		}
		if next == nil {
			return out, nil
		}

		out = append(out, next.head)
		if err := e.advance(ctx, s, next); err != nil {
			return nil, err
		}
	}
}

// advance moves a cursor to its next matching event, or clears head at the end.
func (e *Engine) advance(ctx context.Context, s *Session, c *cursor) error {
	opts := s.Options
	c.head = nil

	for {
		msg, err := c.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay: reading %s: %w", c.stream, err)
		}
		evt, err := model.ParseEnvelope(msg.Data)
		if err != nil {
			s.countError(EventError{Sequence: msg.Sequence, Stream: c.stream, Error: err.Error()})
			continue
		}
		if !e.matches(opts, evt) {
			continue
		}
		c.head = evt
		return nil
	}
}

func (e *Engine) matches(opts Options, evt *model.Event) bool {
	if len(opts.EventTypes) > 0 && !slices.Contains(opts.EventTypes, evt.Type) {
		return false
	}
	if opts.InstanceID != "" && evt.Metadata.InstanceID != opts.InstanceID {
		return false
	}
	if evt.Timestamp.Before(opts.Since) {
		return false
	}
	if opts.Until != nil && evt.Timestamp.After(*opts.Until) {
		return false
	}
	return true
}

func (e *Engine) notifyStarted(ctx context.Context, s *Session) {
	opts := s.Options
	payload := model.ReplayStarted{
		SessionID:  s.ID,
		Since:      opts.Since.UnixMilli(),
		EventTypes: opts.EventTypes,
		InstanceID: opts.InstanceID,
		Limit:      opts.Limit,
		DryRun:     opts.DryRun,
		Timestamp:  e.now().UnixMilli(),
	}
	if opts.Until != nil {
		ms := opts.Until.UnixMilli()
		payload.Until = &ms
	}
	e.emit(ctx, model.EventReplayStarted, payload, s.ID)
}

func (e *Engine) complete(ctx context.Context, s *Session, status Status, failure error) {
	res := s.finish(status, failure, e.now())
	if failure != nil {
		e.cfg.Logger.Warnf("Replay %s failed: %v", s.ID, failure)
	} else {
		e.cfg.Logger.Infof("Replay %s %s: processed=%d skipped=%d errors=%d duration=%v",
			s.ID, status, res.EventsProcessed, res.EventsSkipped, res.Errors, res.Duration)
	}

	e.emit(context.WithoutCancel(ctx), model.EventReplayCompleted, model.ReplayCompleted{
		SessionID:       s.ID,
		Status:          string(status),
		EventsProcessed: res.EventsProcessed,
		EventsSkipped:   res.EventsSkipped,
		Errors:          res.Errors,
		DurationMs:      res.Duration.Milliseconds(),
		Timestamp:       e.now().UnixMilli(),
	}, s.ID)
	s.markDone()
}

func (e *Engine) emit(ctx context.Context, eventType model.EventType, payload any, sessionID string) {
	meta := model.Metadata{CorrelationID: sessionID}
	if _, err := e.cfg.Publisher.PublishGeneric(ctx, string(eventType), payload, meta); err != nil {
		e.cfg.Logger.Warnf("Replay %s: failed to publish %s: %v", sessionID, eventType, err)
	}
}
