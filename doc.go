// Package eventbus is the typed publish/subscribe layer of a multi-channel
// messaging platform, built over a durable log with per-consumer
// acknowledgment (NATS JetStream in production, an in-memory log in tests).
//
// # Features
//
//   - Typed envelopes with correlation, trace and channel metadata
//   - Hierarchical subjects: {type}.{channel}.{instance}, routed to named streams
//   - Runtime JSON Schema validation for custom.* and system.* types
//   - Durable, queue-group and ephemeral subscriptions with bounded concurrency
//   - Exponential redelivery backoff: 1s doubling to 5m (configurable), with jitter
//   - Dead Letter Queue after the last retry, with auto-retry at 1h, 6h and 24h
//   - Processed-event tracking (in memory or Redis) for idempotent consumers
//   - Replay of historical events by time window, type and instance
//   - Compressed payload snapshots with per-stage retention
//   - OpenTelemetry metrics and spans
//   - Pluggable architecture: bring your own Logger and NotificationService
//   - Multi-Database Support for dead letters and payloads: MySQL, PostgreSQL, SQLite via Relica adapters
//
// # Quick Start
//
//	bus, err := eventbus.New(
//	    eventbus.WithConnector(natsjs.NewConnector(natsjs.Config{URL: "nats://localhost:4222"})),
//	    eventbus.WithServiceName("channel-whatsapp"),
//	    eventbus.WithLogger(eventbus.NewSlogLogger(slog.Default())),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := bus.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close()
//
// Publish an event:
//
//	res, err := eventbus.Emit(ctx, bus, model.MessageReceived{
//	    MessageID: "wamid.1",
//	    ChatID:    "5511999@s.whatsapp.net",
//	    Text:      "hello",
//	}, model.Metadata{ChannelType: "whatsapp", InstanceID: "wa-1"})
//
// Subscribe with a durable consumer:
//
//	sub, err := bus.Subscribe(ctx, model.EventMessageReceived,
//	    func(ctx context.Context, evt *model.Event) error {
//	        var msg model.MessageReceived
//	        if err := evt.Decode(&msg); err != nil {
//	            return err
//	        }
//	        return handle(ctx, msg)
//	    },
//	    eventbus.WithDurableName("agent-router"),
//	    eventbus.WithMaxRetries(5),
//	)
//
// # Retries and Dead Letters
//
// A handler error or panic schedules a redelivery after
// retryDelay * 2^retryCount (±10% jitter, capped at maxRetryDelay). Once
// retryCount reaches maxRetries the event is written to the dead-letter
// repository, announced on system.dead_letter and terminated. The dlq
// package sweeps pending entries and republishes them at 1h, 6h and 24h after
// dead-lettering; after that only manual retry remains.
//
// # Error Handling
//
// Errors are *Error values carrying a code. Use IsCode to branch:
//
//	if eventbus.IsCode(err, eventbus.ErrCodeValidation) {
//	    // payload rejected by the schema registry
//	}
//
// # Package Structure
//
//   - eventbus: bus lifecycle, publish, subscribe, dead-letter handoff
//   - model: envelopes, core payloads, dead-letter and payload rows
//   - subject, stream: subject codec and stream routing
//   - schema: runtime schema registry
//   - dlq: dead-letter schedule, sweeper and operator actions
//   - payload: compressed payload snapshots
//   - replay: replay sessions
//   - idempotency, telemetry, retry: supporting concerns
//   - substrate: the durable log abstraction (memory, natsjs)
//   - adapters/relica: SQL repositories
//   - cmd/eventbus-server: standalone admin service
package eventbus
