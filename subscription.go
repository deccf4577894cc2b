package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/retry"
	"github.com/coregx/eventbus/subject"
	"github.com/coregx/eventbus/substrate"
	"github.com/coregx/eventbus/telemetry"
)

// Handler processes one event. Returning an error schedules a redelivery
// with backoff; after the last retry the event is dead-lettered.
// A panic counts as an error.
type Handler func(ctx context.Context, evt *model.Event) error

// Subscription is a running consumer. Unsubscribe stops intake and waits for
// in-flight handlers, so a handler must not call Unsubscribe on its own
// subscription synchronously; it would wait on itself. Use a separate
// goroutine instead.
type Subscription interface {
	ID() string
	Pattern() string
	Unsubscribe() error
}

// nextErrorBackoff paces Next after unexpected iterator errors.
const nextErrorBackoff = 100 * time.Millisecond

// Subscribe delivers every event of eventType, from any channel and instance.
func (b *Bus) Subscribe(ctx context.Context, eventType model.EventType, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	cfg := buildSubscribeConfig(opts)
	pattern := subject.SubscribePattern(string(eventType), "", "")

	streamName := cfg.stream
	if streamName == "" {
		streamName = b.StreamFor(string(eventType))
	}
	return b.subscribeOne(ctx, pattern, streamName, subject.TypeFilters(string(eventType)), handler, cfg)
}

// SubscribePattern delivers every event whose subject matches pattern, for
// example "message.received.whatsapp.>" or "message.*.>". The stream is
// inferred from the first token unless WithStream is given.
func (b *Bus) SubscribePattern(ctx context.Context, pattern string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	cfg := buildSubscribeConfig(opts)

	streamName := cfg.stream
	if streamName == "" {
		name, err := b.router.StreamForPattern(pattern)
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeRouting, "cannot infer stream, use WithStream", err)
		}
		streamName = name
	}
	return b.subscribeOne(ctx, pattern, streamName, subject.FilterSubjects(pattern), handler, cfg)
}

// SubscribeMany delivers several event types to one handler. Types are
// grouped by stream with one consumer per stream. Named consumers get the
// stream name appended.
func (b *Bus) SubscribeMany(ctx context.Context, types []model.EventType, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if len(types) == 0 {
		return nil, NewError(ErrCodeConfiguration, "at least one event type is required")
	}
	cfg := buildSubscribeConfig(opts)

	filters := make(map[string][]string)
	for _, t := range types {
		streamName := cfg.stream
		if streamName == "" {
			streamName = b.StreamFor(string(t))
		}
		for _, f := range subject.TypeFilters(string(t)) {
			if !slices.Contains(filters[streamName], f) {
				filters[streamName] = append(filters[streamName], f)
			}
		}
	}

	patterns := make([]string, len(types))
	for i, t := range types {
		patterns[i] = string(t)
	}
	return b.subscribeStreams(ctx, strings.Join(patterns, ","), filters, handler, cfg)
}

// SubscribeAll delivers every event on every stream, SYSTEM included.
func (b *Bus) SubscribeAll(ctx context.Context, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	cfg := buildSubscribeConfig(opts)

	filters := make(map[string][]string)
	for _, name := range b.router.Names() {
		filters[name] = nil
	}
	return b.subscribeStreams(ctx, subject.TailToken, filters, handler, cfg)
}

func buildSubscribeConfig(opts []SubscribeOption) subscribeConfig {
	cfg := defaultSubscribeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (b *Bus) subscribeStreams(ctx context.Context, pattern string, filters map[string][]string, handler Handler, cfg subscribeConfig) (Subscription, error) {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 1 {
		return b.subscribeOne(ctx, pattern, names[0], filters[names[0]], handler, cfg)
	}

	group := &subscriptionGroup{id: uuid.NewString(), pattern: pattern}
	for _, name := range names {
		streamCfg := cfg
		if cfg.durable != "" {
			streamCfg.durable = cfg.durable + "_" + name
		}
		if cfg.queueGroup != "" {
			streamCfg.queueGroup = cfg.queueGroup + "_" + name
		}

		sub, err := b.subscribe(ctx, pattern, name, filters[name], handler, streamCfg)
		if err != nil {
			_ = group.Unsubscribe()
			return nil, err
		}
		group.members = append(group.members, sub)
	}
	return group, nil
}

func (b *Bus) subscribeOne(ctx context.Context, pattern, streamName string, filters []string, handler Handler, cfg subscribeConfig) (Subscription, error) {
	sub, err := b.subscribe(ctx, pattern, streamName, filters, handler, cfg)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Bus) subscribe(ctx context.Context, pattern, streamName string, filters []string, handler Handler, cfg subscribeConfig) (*subscription, error) {
	if handler == nil {
		return nil, NewError(ErrCodeConfiguration, "handler cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeConfiguration, "invalid subscription options", err)
	}
	if _, ok := b.router.Definition(streamName); !ok {
		return nil, NewError(ErrCodeRouting, fmt.Sprintf("unknown stream %q", streamName))
	}

	log, err := b.activeLog(false)
	if err != nil {
		return nil, err
	}

	// The consumer outlives the caller's context; only Unsubscribe stops it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	consumerCfg := cfg.consumerConfig(streamName, filters)
	iter, err := log.Consume(loopCtx, consumerCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create consumer on %s: %w", streamName, err)
	}

	sub := &subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		stream:   streamName,
		durable:  consumerCfg.Durable,
		bus:      b,
		handler:  handler,
		cfg:      cfg,
		iter:     iter,
		ctx:      loopCtx,
		cancel:   cancel,
		sem:      make(chan struct{}, cfg.concurrency),
		loopDone: make(chan struct{}),
	}

	b.subsMu.Lock()
	b.subs[sub.id] = sub
	b.subsMu.Unlock()

	go sub.run()

	b.mu.RLock()
	closing := b.closing
	b.mu.RUnlock()
	if closing {
		_ = sub.Unsubscribe()
		return nil, ErrClosed
	}

	b.logger.Infof("Subscribed to %s on %s (consumer=%q, concurrency=%d, max_retries=%d)",
		pattern, streamName, sub.durable, cfg.concurrency, cfg.maxRetries)
	return sub, nil
}

func (b *Bus) activeSubscriptions() []*subscription {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

func (b *Bus) removeSubscription(id string) {
	b.subsMu.Lock()
	delete(b.subs, id)
	b.subsMu.Unlock()
}

type subscription struct {
	id      string
	pattern string
	stream  string
	durable string
	bus     *Bus
	handler Handler
	cfg     subscribeConfig
	iter    substrate.MessageIterator

	// ctx stops intake; handlers run on a context that is never cancelled by Unsubscribe.
	ctx    context.Context
	cancel context.CancelFunc

	sem      chan struct{}
	inflight sync.WaitGroup
	loopDone chan struct{}
	once     sync.Once
}

func (s *subscription) ID() string      { return s.id }
func (s *subscription) Pattern() string { return s.pattern }

// Unsubscribe stops intake, then waits for running handlers to settle their deliveries.
// Calling it from one of those handlers blocks forever.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.iter.Stop()
		<-s.loopDone
		s.inflight.Wait()
		s.bus.removeSubscription(s.id)
		s.bus.logger.Infof("Unsubscribed from %s on %s", s.pattern, s.stream)
	})
	return nil
}

func (s *subscription) run() {
	defer close(s.loopDone)

	for {
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		msg, err := s.iter.Next(s.ctx)
		if err != nil {
			<-s.sem
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, substrate.ErrIteratorClosed) || errors.Is(err, substrate.ErrClosed) {
				s.bus.logger.Errorf("Consumer on %s closed unexpectedly (pattern=%s, subscription=%s): %v",
					s.stream, s.pattern, s.id, err)
				s.bus.removeSubscription(s.id)
				return
			}
			s.bus.logger.Warnf("Failed to fetch from %s (pattern=%s): %v", s.stream, s.pattern, err)
			if retry.Sleep(s.ctx, nextErrorBackoff) != nil {
				return
			}
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer func() { <-s.sem }()
			s.process(msg)
		}()
	}
}

// scope keys processed-event records. Named consumers (durable or queue
// group) share records across restarts and members; an ephemeral consumer
// keeps its own so fan-out subscribers never suppress each other.
func (s *subscription) scope() string {
	if s.durable != "" {
		return s.durable
	}
	return s.id
}

func (s *subscription) process(msg substrate.Message) {
	b := s.bus
	started := time.Now()
	ctx := context.WithoutCancel(s.ctx)

	evt, err := model.ParseEnvelope(msg.Data())
	if err != nil {
		b.logger.Errorf("Dropping malformed event on %s (stream=%s, seq=%d): %v",
			msg.Subject(), s.stream, msg.Sequence(), err)
		if err := msg.Term(); err != nil {
			b.logger.Warnf("Failed to terminate malformed event (seq=%d): %v", msg.Sequence(), err)
		}
		b.telemetry.RecordDelivery(ctx, "", s.stream, telemetry.OutcomeMalformed, time.Since(started))
		return
	}
	evt.Metadata.StreamSequence = msg.Sequence()

	attempt := int(msg.NumDelivered())
	if attempt < 1 {
		attempt = 1
	}
	delivery := Delivery{
		Subject:    msg.Subject(),
		Stream:     s.stream,
		Sequence:   msg.Sequence(),
		Attempt:    attempt,
		RetryCount: attempt - 1,
		MaxRetries: s.cfg.maxRetries,
	}
	ctx = withDelivery(ctx, delivery)

	if res := b.registry.Validate(evt.Type, evt.Payload); !res.Success {
		cause := NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("payload of %s rejected", evt.Type), res.Err)
		b.logger.Errorf("Event %s failed validation on delivery: %v", evt.ID, res.Err)
		s.deadLetter(ctx, msg, evt, cause, delivery.RetryCount, started)
		return
	}

	if b.processed != nil {
		done, err := b.processed.IsProcessed(ctx, s.scope(), evt.ID)
		if err != nil {
			b.logger.Warnf("Processed-event lookup failed for %s: %v", evt.ID, err)
		}
		if done {
			b.logger.Debugf("Skipping already processed event %s (consumer=%s)", evt.ID, s.scope())
			s.ack(msg, evt)
			b.telemetry.RecordDelivery(ctx, evt.Type, s.stream, telemetry.OutcomeSkipped, time.Since(started))
			return
		}
	}

	handlerErr := s.invoke(ctx, evt)
	if handlerErr == nil {
		s.ack(msg, evt)
		if b.processed != nil {
			if err := b.processed.MarkProcessed(ctx, s.scope(), evt.ID); err != nil {
				b.logger.Warnf("Failed to record event %s as processed: %v", evt.ID, err)
			}
		}
		b.telemetry.RecordDelivery(ctx, evt.Type, s.stream, telemetry.OutcomeAcked, time.Since(started))
		return
	}

	if delivery.RetryCount < s.cfg.maxRetries {
		delay := retry.CalculateBackoffDelay(delivery.RetryCount, s.cfg.retryDelay, s.cfg.maxRetryDelay)
		b.logger.Warnf("Handler failed for %s %s (attempt %d/%d, retry in %v): %v",
			evt.Type, evt.ID, attempt, s.cfg.maxRetries+1, delay, handlerErr)

		if err := b.notifications.NotifyHandlerFailure(ctx, evt, attempt, handlerErr); err != nil {
			b.logger.Warnf("Failed to send handler failure notification: %v", err)
		}
		if err := msg.NakWithDelay(delay); err != nil {
			b.logger.Errorf("Failed to schedule redelivery of %s: %v", evt.ID, err)
		}
		b.telemetry.RecordDelivery(ctx, evt.Type, s.stream, telemetry.OutcomeRetried, time.Since(started))
		return
	}

	s.deadLetter(ctx, msg, evt, handlerErr, delivery.RetryCount, started)
}

func (s *subscription) deadLetter(ctx context.Context, msg substrate.Message, evt *model.Event, cause error, retryCount int, started time.Time) {
	s.bus.deadLetter(ctx, evt, msg.Subject(), cause, retryCount)
	if err := msg.Term(); err != nil {
		s.bus.logger.Errorf("Failed to terminate dead-lettered event %s: %v", evt.ID, err)
	}
	s.bus.telemetry.RecordDelivery(ctx, evt.Type, s.stream, telemetry.OutcomeDeadLetter, time.Since(started))
}

func (s *subscription) ack(msg substrate.Message, evt *model.Event) {
	if err := msg.Ack(); err != nil {
		s.bus.logger.Errorf("Failed to acknowledge %s (seq=%d): %v", evt.ID, msg.Sequence(), err)
	}
}

func (s *subscription) invoke(ctx context.Context, evt *model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrCodeHandler, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return s.handler(ctx, evt)
}

// subscriptionGroup fans one logical subscription out over several streams.
type subscriptionGroup struct {
	id      string
	pattern string
	members []*subscription
}

func (g *subscriptionGroup) ID() string      { return g.id }
func (g *subscriptionGroup) Pattern() string { return g.pattern }

func (g *subscriptionGroup) Unsubscribe() error {
	var errs []error
	for _, m := range g.members {
		if err := m.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Streams returns the streams a subscription reads from.
func Streams(sub Subscription) []string {
	switch s := sub.(type) {
	case *subscription:
		return []string{s.stream}
	case *subscriptionGroup:
		names := make([]string, len(s.members))
		for i, m := range s.members {
			names[i] = m.stream
		}
		return names
	default:
		return nil
	}
}
