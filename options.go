package eventbus

import (
	"fmt"

	"github.com/coregx/eventbus/idempotency"
	"github.com/coregx/eventbus/payload"
	"github.com/coregx/eventbus/retry"
	"github.com/coregx/eventbus/schema"
	"github.com/coregx/eventbus/stream"
	"github.com/coregx/eventbus/telemetry"
)

// Option is a function that configures a Bus.
//
// Example:
//
//	bus, err := eventbus.New(
//	    eventbus.WithConnector(natsjs.NewConnector(natsjs.Config{URL: url})),
//	    eventbus.WithServiceName("channel-whatsapp"),
//	    eventbus.WithLogger(logger),
//	    eventbus.WithDeadLetterRepository(relica.NewDeadLetterRepository(db)), // optional
//	)
type Option func(*Bus) error

// WithConnector sets how the bus reaches the durable log.
//
// This is a required option for New.
func WithConnector(c Connector) Option {
	return func(b *Bus) error {
		if c == nil {
			return fmt.Errorf("connector cannot be nil")
		}
		b.connector = c
		return nil
	}
}

// WithLogger sets a custom logger for the bus.
// If not provided, a no-op logger is used.
func WithLogger(logger Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithServiceName sets metadata.source on every event this bus publishes.
func WithServiceName(name string) Option {
	return func(b *Bus) error {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		b.serviceName = name
		return nil
	}
}

// WithStreams replaces the default stream table.
// Unknown type prefixes are routed to fallback, which must be one of defs.
func WithStreams(defs []stream.Definition, fallback string) Option {
	return func(b *Bus) error {
		router, err := stream.NewRouter(defs, fallback)
		if err != nil {
			return fmt.Errorf("invalid stream table: %w", err)
		}
		b.router = router
		return nil
	}
}

// WithSchemaRegistry sets the registry used to validate custom and system payloads.
// If not provided, an empty registry is used.
func WithSchemaRegistry(registry *schema.Registry) Option {
	return func(b *Bus) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		b.registry = registry
		return nil
	}
}

// WithDeadLetterRepository sets where dead-lettered events are recorded.
// If not provided, entries are kept in memory for the lifetime of the process.
func WithDeadLetterRepository(repo DeadLetterRepository) Option {
	return func(b *Bus) error {
		if repo == nil {
			return fmt.Errorf("dead letter repository cannot be nil")
		}
		b.deadLetters = repo
		return nil
	}
}

// WithIDGenerator sets the generator for dead-letter row ids.
// If not provided, a snowflake generator on node 1 is used.
func WithIDGenerator(ids IDGenerator) Option {
	return func(b *Bus) error {
		if ids == nil {
			return fmt.Errorf("id generator cannot be nil")
		}
		b.ids = ids
		return nil
	}
}

// WithNotifications sets the notification service for handler failures and dead letters.
// If not provided, NoOpNotificationService is used.
func WithNotifications(service NotificationService) Option {
	return func(b *Bus) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		b.notifications = service
		return nil
	}
}

// WithConnectRetry sets the backoff used while connecting.
// Default is retry.DefaultConnectStrategy(): 10 attempts, 500ms doubling to 30s.
func WithConnectRetry(strategy retry.Strategy) Option {
	return func(b *Bus) error {
		if strategy.MaxAttempts < 1 {
			return fmt.Errorf("max attempts must be at least 1, got %d", strategy.MaxAttempts)
		}
		if strategy.ExponentialBase < 1 {
			return fmt.Errorf("exponential base must be at least 1, got %v", strategy.ExponentialBase)
		}
		b.connectStrategy = strategy
		return nil
	}
}

// WithTelemetry sets the metrics and tracing recorder.
// If not provided, telemetry.Noop is used.
func WithTelemetry(recorder telemetry.Recorder) Option {
	return func(b *Bus) error {
		if recorder == nil {
			return fmt.Errorf("telemetry recorder cannot be nil")
		}
		b.telemetry = recorder
		return nil
	}
}

// WithIdempotencyStore enables processed-event tracking. Deliveries of an
// event already processed by the same durable consumer are acknowledged
// without calling the handler.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(b *Bus) error {
		if store == nil {
			return fmt.Errorf("idempotency store cannot be nil")
		}
		b.processed = store
		return nil
	}
}

// WithPayloadStore captures the envelope of every dead-lettered event as an
// error-stage snapshot.
func WithPayloadStore(store *payload.Store) Option {
	return func(b *Bus) error {
		if store == nil {
			return fmt.Errorf("payload store cannot be nil")
		}
		b.payloads = store
		return nil
	}
}
