package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/idempotency"
	"github.com/coregx/eventbus/internal/id"
	"github.com/coregx/eventbus/payload"
	"github.com/coregx/eventbus/replay"
	"github.com/coregx/eventbus/retry"
	"github.com/coregx/eventbus/schema"
	"github.com/coregx/eventbus/stream"
	"github.com/coregx/eventbus/substrate"
	"github.com/coregx/eventbus/telemetry"
)

// Connector opens a connection to the durable log.
// natsjs.Connector and *memory.Log implement it.
type Connector interface {
	Connect(ctx context.Context) (substrate.Log, error)
}

// Bus is the typed publish/subscribe layer over the durable log.
//
// A Bus is created with New, connected with Connect and released with Close.
// All methods are safe for concurrent use.
type Bus struct {
	connector       Connector
	router          *stream.Router
	registry        *schema.Registry
	logger          Logger
	serviceName     string
	connectStrategy retry.Strategy
	deadLetters     DeadLetterRepository
	ids             IDGenerator
	notifications   NotificationService
	telemetry       telemetry.Recorder
	processed       idempotency.Store
	payloads        *payload.Store

	mu        sync.RWMutex
	log       substrate.Log
	connected bool
	closing   bool

	subsMu sync.Mutex
	subs   map[string]*subscription
}

// New creates a bus with the given options. WithConnector is required.
//
// Example:
//
//	bus, err := eventbus.New(
//	    eventbus.WithConnector(memory.New()),
//	    eventbus.WithServiceName("api"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := bus.Connect(ctx); err != nil {
//	    return err
//	}
//	defer bus.Close()
func New(opts ...Option) (*Bus, error) {
	b := &Bus{
		logger:          &NoopLogger{},
		serviceName:     "eventbus",
		connectStrategy: retry.DefaultConnectStrategy(),
		notifications:   &NoOpNotificationService{},
		telemetry:       telemetry.Noop{},
		subs:            make(map[string]*subscription),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "invalid option", err)
		}
	}

	if b.connector == nil {
		return nil, NewError(ErrCodeConfiguration, "connector is required (use WithConnector)")
	}
	if b.router == nil {
		b.router = stream.DefaultRouter()
	}
	if b.registry == nil {
		b.registry = schema.NewRegistry()
	}
	if b.deadLetters == nil {
		b.deadLetters = dlq.NewMemoryStore()
	}
	if b.ids == nil {
		gen, err := id.NewGenerator(1)
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to create id generator", err)
		}
		b.ids = gen
	}

	return b, nil
}

// Connect opens the log, retrying with the connect strategy, and provisions
// every configured stream. Calling Connect on a connected bus is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing {
		return ErrClosed
	}
	if b.connected {
		return nil
	}

	log, err := b.dial(ctx)
	if err != nil {
		return err
	}

	results, err := b.router.Ensure(ctx, log)
	if err != nil {
		_ = log.Close()
		return NewErrorWithCause(ErrCodeConnection, "failed to provision streams", err)
	}
	for _, r := range results {
		switch r.Action {
		case stream.ActionStorageMismatch:
			b.logger.Warnf("Stream %s exists with a different storage class; storage left unchanged", r.Stream)
		case stream.ActionUnchanged:
			b.logger.Debugf("Stream %s is up to date", r.Stream)
		default:
			b.logger.Infof("Stream %s %s", r.Stream, r.Action)
		}
	}

	b.log = log
	b.connected = true
	b.logger.Infof("Event bus connected (service=%s, streams=%d)", b.serviceName, len(results))
	return nil
}

func (b *Bus) dial(ctx context.Context) (substrate.Log, error) {
	var lastErr error
	attempts := 0

	for {
		log, err := b.connector.Connect(ctx)
		if err == nil {
			return log, nil
		}
		attempts++
		lastErr = err

		if !b.connectStrategy.IsRetryable(attempts) {
			break
		}
		delay := b.connectStrategy.CalculateRetryDelay(attempts - 1)
		b.logger.Warnf("Connect attempt %d/%d failed: %v (retrying in %v)",
			attempts, b.connectStrategy.MaxAttempts, err, delay)

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, NewErrorWithCause(ErrCodeConnection, "connect cancelled", errors.Join(err, lastErr))
		}
	}

	return nil, NewErrorWithCause(ErrCodeConnection,
		fmt.Sprintf("failed to connect after %d attempts", attempts), lastErr)
}

// IsConnected reports whether the bus is connected and not closing.
func (b *Bus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && !b.closing && b.log.IsConnected()
}

// Close drains every subscription and closes the log connection.
// In-flight handlers finish before Close returns, so it must not be called
// synchronously from a handler. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	log := b.log
	b.mu.Unlock()

	var errs []error
	for _, sub := range b.activeSubscriptions() {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	if log != nil {
		if err := log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log: %w", err))
		}
	}

	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.Infof("Event bus closed")
	return errors.Join(errs...)
}

// activeLog returns the connected log. allowClosing lets dead-letter notices
// go out while subscriptions drain.
func (b *Bus) activeLog(allowClosing bool) (substrate.Log, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closing && !allowClosing {
		return nil, ErrClosed
	}
	if !b.connected {
		return nil, ErrNotConnected
	}
	return b.log, nil
}

// Registry returns the schema registry used for validation.
func (b *Bus) Registry() *schema.Registry {
	return b.registry
}

// Router returns the stream router.
func (b *Bus) Router() *stream.Router {
	return b.router
}

// StreamFor returns the stream that stores an event type, chosen by subject
// prefix. Consumers and replay read from it.
func (b *Bus) StreamFor(eventType string) string {
	return b.router.StreamFor(eventType)
}

// destinationFor returns the logical stream reported in a PublishResult. A
// stream named in the type's schema definition wins when it is one of the
// configured streams; the write itself always follows the subject prefix.
func (b *Bus) destinationFor(eventType string) string {
	if name, ok := b.registry.Stream(eventType); ok {
		if _, known := b.router.Definition(name); known {
			return name
		}
	}
	return b.router.StreamFor(eventType)
}

// NewDeadLetterService returns a dead-letter service over the bus repository
// that republishes through this bus.
func (b *Bus) NewDeadLetterService(opts ...dlq.ServiceOption) (*dlq.Service, error) {
	opts = append([]dlq.ServiceOption{dlq.WithLogger(b.logger)}, opts...)
	return dlq.NewService(b.deadLetters, b, opts...)
}

// NewReplayEngine returns a replay engine reading from this bus's log.
// processedScope names the consumer whose processed-event records back
// Options.SkipProcessed; it is ignored without WithIdempotencyStore.
func (b *Bus) NewReplayEngine(processedScope string) (*replay.Engine, error) {
	return replay.NewEngine(replay.Config{
		Source:         logSource{bus: b},
		Publisher:      b,
		Streams:        b.router.Names(),
		SystemStream:   stream.System,
		StreamFor:      b.StreamFor,
		Processed:      b.processed,
		ProcessedScope: processedScope,
		Logger:         b.logger,
	})
}

// logSource resolves the log on every read so an engine can be built before Connect.
type logSource struct {
	bus *Bus
}

func (s logSource) Read(ctx context.Context, opts substrate.ReadOptions) (substrate.Reader, error) {
	log, err := s.bus.activeLog(false)
	if err != nil {
		return nil, err
	}
	return log.Read(ctx, opts)
}
