package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/coregx/eventbus/substrate"
)

// StartPosition selects where a new consumer begins reading.
type StartPosition string

const (
	// StartNew delivers only events published after the subscription was created.
	StartNew StartPosition = "new"
	// StartFirst delivers everything the stream still retains.
	StartFirst StartPosition = "first"
	// StartLast delivers the last matching event, then new ones.
	StartLast StartPosition = "last"
	// StartTimestamp delivers events stored at or after the time set by WithStartTime.
	StartTimestamp StartPosition = "timestamp"
)

// Subscription defaults.
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
	DefaultAckWait       = 30 * time.Second
	DefaultConcurrency   = 1
)

type subscribeConfig struct {
	stream        string
	queueGroup    string
	durable       string
	start         StartPosition
	startTime     time.Time
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	ackWait       time.Duration
	concurrency   int
}

func defaultSubscribeConfig() subscribeConfig {
	return subscribeConfig{
		start:         StartNew,
		maxRetries:    DefaultMaxRetries,
		retryDelay:    DefaultRetryDelay,
		maxRetryDelay: DefaultMaxRetryDelay,
		ackWait:       DefaultAckWait,
		concurrency:   DefaultConcurrency,
	}
}

func (c subscribeConfig) validate() error {
	switch {
	case c.maxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.maxRetries)
	case c.retryDelay <= 0:
		return fmt.Errorf("retry delay must be positive, got %v", c.retryDelay)
	case c.maxRetryDelay < c.retryDelay:
		return fmt.Errorf("max retry delay %v is below retry delay %v", c.maxRetryDelay, c.retryDelay)
	case c.ackWait <= 0:
		return fmt.Errorf("ack wait must be positive, got %v", c.ackWait)
	case c.concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", c.concurrency)
	case c.start == StartTimestamp && c.startTime.IsZero():
		return fmt.Errorf("start time is required when starting from a timestamp")
	}
	switch c.start {
	case StartNew, StartFirst, StartLast, StartTimestamp:
		return nil
	default:
		return fmt.Errorf("unknown start position %q", c.start)
	}
}

// consumerName is the durable name of the consumer, empty for ephemeral ones.
// Subscriptions in the same queue group share a consumer and so split deliveries.
func (c subscribeConfig) consumerName() string {
	name := c.durable
	if name == "" {
		name = c.queueGroup
	}
	return durableToken(name)
}

func (c subscribeConfig) consumerConfig(streamName string, filters []string) substrate.ConsumerConfig {
	cfg := substrate.ConsumerConfig{
		Stream:         streamName,
		Durable:        c.consumerName(),
		FilterSubjects: filters,
		AckWait:        c.ackWait,
		MaxDeliver:     c.maxRetries + 1,
	}
	switch c.start {
	case StartFirst:
		cfg.DeliverPolicy = substrate.DeliverAll
	case StartLast:
		cfg.DeliverPolicy = substrate.DeliverLast
	case StartTimestamp:
		t := c.startTime
		cfg.DeliverPolicy = substrate.DeliverByStartTime
		cfg.OptStartTime = &t
	default:
		cfg.DeliverPolicy = substrate.DeliverNew
	}
	return cfg
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// durableToken makes a name safe for use as a consumer name.
func durableToken(name string) string {
	return durableReplacer.Replace(name)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithStream reads from the named stream instead of the one inferred from the type or pattern.
func WithStream(name string) SubscribeOption {
	return func(c *subscribeConfig) { c.stream = name }
}

// WithQueueGroup load-balances deliveries between every subscription using the same group.
func WithQueueGroup(group string) SubscribeOption {
	return func(c *subscribeConfig) { c.queueGroup = group }
}

// WithDurableName persists the consumer position under name across restarts.
// It also scopes processed-event tracking.
func WithDurableName(name string) SubscribeOption {
	return func(c *subscribeConfig) { c.durable = name }
}

// WithStartFrom sets where a new consumer begins. Default is StartNew.
func WithStartFrom(pos StartPosition) SubscribeOption {
	return func(c *subscribeConfig) { c.start = pos }
}

// WithStartTime starts a new consumer at the first event stored at or after t.
func WithStartTime(t time.Time) SubscribeOption {
	return func(c *subscribeConfig) {
		c.start = StartTimestamp
		c.startTime = t
	}
}

// WithMaxRetries sets how many redeliveries a failed event gets before it is
// dead-lettered. Default is 3, so a handler sees an event at most 4 times.
func WithMaxRetries(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.maxRetries = n }
}

// WithRetryDelay sets the base of the exponential redelivery backoff. Default is 1s.
func WithRetryDelay(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) { c.retryDelay = d }
}

// WithMaxRetryDelay caps the redelivery backoff. Default is 5m.
func WithMaxRetryDelay(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) { c.maxRetryDelay = d }
}

// WithAckWait sets how long a delivery may stay unacknowledged before the log
// redelivers it. Default is 30s.
func WithAckWait(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) { c.ackWait = d }
}

// WithConcurrency sets how many events a subscription handles at once.
// Default is 1, which preserves stream order; higher values trade ordering for throughput.
func WithConcurrency(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.concurrency = n }
}
