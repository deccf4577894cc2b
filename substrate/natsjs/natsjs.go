// Package natsjs implements substrate.Log on NATS JetStream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coregx/eventbus/substrate"
)

// Config holds the NATS connection settings.
type Config struct {
	URL            string
	Token          string
	Name           string
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
	FlushTimeout   time.Duration
	// FetchWait bounds how long an ordered read waits for the next message
	// before deciding the stream is exhausted.
	FetchWait time.Duration
	Logger    *slog.Logger
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.FetchWait == 0 {
		c.FetchWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Connector dials NATS and opens a JetStream context on every Connect.
type Connector struct {
	cfg Config
}

// NewConnector creates a Connector; zero fields in cfg get defaults.
func NewConnector(cfg Config) *Connector {
	cfg.setDefaults()
	return &Connector{cfg: cfg}
}

// Connect dials the server once. Retrying is the caller's concern.
func (c *Connector) Connect(ctx context.Context) (substrate.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := c.cfg.Logger
	opts := []nats.Option{
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subj)
		}),
	}
	if c.cfg.Name != "" {
		opts = append(opts, nats.Name(c.cfg.Name))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", c.cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open JetStream context: %w", err)
	}

	logger.Info("NATS connected", "url", nc.ConnectedUrl(), "server_id", nc.ConnectedServerId())
	return &Log{nc: nc, js: js, cfg: c.cfg}, nil
}

// Log is a JetStream-backed substrate.Log.
type Log struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
}

// StreamInfo implements substrate.Log.
func (l *Log) StreamInfo(ctx context.Context, name string) (substrate.StreamConfig, error) {
	s, err := l.js.Stream(ctx, name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return substrate.StreamConfig{}, substrate.ErrStreamNotFound
	}
	if err != nil {
		return substrate.StreamConfig{}, fmt.Errorf("lookup stream %s: %w", name, err)
	}

	info, err := s.Info(ctx)
	if err != nil {
		return substrate.StreamConfig{}, fmt.Errorf("stream %s info: %w", name, err)
	}
	return fromStreamConfig(info.Config), nil
}

// CreateStream implements substrate.Log.
func (l *Log) CreateStream(ctx context.Context, cfg substrate.StreamConfig) error {
	if _, err := l.js.CreateStream(ctx, toStreamConfig(cfg)); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// UpdateStream implements substrate.Log.
func (l *Log) UpdateStream(ctx context.Context, cfg substrate.StreamConfig) error {
	_, err := l.js.UpdateStream(ctx, toStreamConfig(cfg))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return substrate.ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Publish implements substrate.Log.
func (l *Log) Publish(ctx context.Context, subject string, data []byte, msgID string) (substrate.PubAck, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := l.js.Publish(ctx, subject, data, opts...)
	if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		return substrate.PubAck{}, fmt.Errorf("%w: %s", substrate.ErrNoStreamForSubject, subject)
	}
	if err != nil {
		return substrate.PubAck{}, fmt.Errorf("publish %s: %w", subject, err)
	}
	return substrate.PubAck{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

// Consume implements substrate.Log. The iterator stops when ctx is done.
func (l *Log) Consume(ctx context.Context, cfg substrate.ConsumerConfig) (substrate.MessageIterator, error) {
	cc := jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: toDeliverPolicy(cfg.DeliverPolicy),
		OptStartTime:  cfg.OptStartTime,
	}
	if len(cfg.FilterSubjects) == 1 {
		cc.FilterSubject = cfg.FilterSubjects[0]
	} else {
		cc.FilterSubjects = cfg.FilterSubjects
	}
	if cfg.Durable == "" {
		cc.InactiveThreshold = time.Minute
	}

	cons, err := l.js.CreateOrUpdateConsumer(ctx, cfg.Stream, cc)
	if err != nil {
		return nil, fmt.Errorf("create consumer on %s: %w", cfg.Stream, err)
	}

	msgs, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("open message stream on %s: %w", cfg.Stream, err)
	}

	it := &iterator{msgs: msgs, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			it.Stop()
		case <-it.done:
		}
	}()
	return it, nil
}

// Read implements substrate.Log with an ordered consumer starting at opts.Since.
func (l *Log) Read(ctx context.Context, opts substrate.ReadOptions) (substrate.Reader, error) {
	since := opts.Since
	cons, err := l.js.OrderedConsumer(ctx, opts.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: opts.FilterSubjects,
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &since,
	})
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: %s", substrate.ErrStreamNotFound, opts.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("ordered consumer on %s: %w", opts.Stream, err)
	}
	return &reader{stream: opts.Stream, cons: cons, wait: l.cfg.FetchWait}, nil
}

// IsConnected implements substrate.Log.
func (l *Log) IsConnected() bool {
	return l.nc.IsConnected()
}

// Close flushes buffered writes and closes the connection.
func (l *Log) Close() error {
	if l.nc.IsClosed() {
		return nil
	}
	err := l.nc.FlushTimeout(l.cfg.FlushTimeout)
	l.nc.Close()
	if err != nil {
		return fmt.Errorf("flush NATS connection: %w", err)
	}
	return nil
}

func toStreamConfig(cfg substrate.StreamConfig) jetstream.StreamConfig {
	storage := jetstream.FileStorage
	if cfg.Storage == substrate.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	return jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     storage,
	}
}

func fromStreamConfig(cfg jetstream.StreamConfig) substrate.StreamConfig {
	storage := substrate.FileStorage
	if cfg.Storage == jetstream.MemoryStorage {
		storage = substrate.MemoryStorage
	}
	return substrate.StreamConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		Subjects:    cfg.Subjects,
		MaxAge:      cfg.MaxAge,
		Storage:     storage,
	}
}

func toDeliverPolicy(p substrate.DeliverPolicy) jetstream.DeliverPolicy {
	switch p {
	case substrate.DeliverAll:
		return jetstream.DeliverAllPolicy
	case substrate.DeliverLast:
		return jetstream.DeliverLastPolicy
	case substrate.DeliverByStartTime:
		return jetstream.DeliverByStartTimePolicy
	default:
		return jetstream.DeliverNewPolicy
	}
}
