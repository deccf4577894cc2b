// Package substrate defines the durable log the event bus runs on.
//
// The bus treats the log as a black box exposing streams, subjects and
// consumers with explicit acknowledgment. Two implementations ship with the
// module: substrate/memory for tests and single-process use, and
// substrate/natsjs for NATS JetStream.
package substrate

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrStreamNotFound is returned by StreamInfo for streams that do not exist.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrNoStreamForSubject is returned by Publish when no stream captures the subject.
	ErrNoStreamForSubject = errors.New("no stream matches subject")

	// ErrIteratorClosed is returned by Next after Stop.
	ErrIteratorClosed = errors.New("message iterator closed")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("substrate connection closed")
)

// StorageType is the durability class of a stream.
type StorageType int

const (
	// FileStorage persists messages to disk.
	FileStorage StorageType = iota
	// MemoryStorage keeps messages in memory only.
	MemoryStorage
)

func (s StorageType) String() string {
	if s == MemoryStorage {
		return "memory"
	}
	return "file"
}

// StreamConfig describes a stream.
type StreamConfig struct {
	Name        string
	Description string
	Subjects    []string
	MaxAge      time.Duration
	Storage     StorageType
}

// SameSubjects reports whether both configs capture the same subjects, ignoring order.
func (c StreamConfig) SameSubjects(other StreamConfig) bool {
	if len(c.Subjects) != len(other.Subjects) {
		return false
	}
	a := slices.Clone(c.Subjects)
	b := slices.Clone(other.Subjects)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// DeliverPolicy selects where a new consumer starts reading.
type DeliverPolicy int

const (
	// DeliverNew starts with messages published after the consumer was created.
	DeliverNew DeliverPolicy = iota
	// DeliverAll starts with the first message still retained.
	DeliverAll
	// DeliverLast starts with the last matching message.
	DeliverLast
	// DeliverByStartTime starts with the first message at or after OptStartTime.
	DeliverByStartTime
)

// ConsumerConfig describes a consumer over one stream. Acknowledgment is always explicit.
type ConsumerConfig struct {
	Stream string

	// Durable names the consumer. Consumers sharing a name share one cursor,
	// so deliveries are balanced between them. Empty means ephemeral.
	Durable string

	FilterSubjects []string
	DeliverPolicy  DeliverPolicy
	OptStartTime   *time.Time
	AckWait        time.Duration
	MaxDeliver     int
}

// PubAck is the log's acknowledgment of a write.
type PubAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// Message is one delivery of a stored message to a consumer.
type Message interface {
	Data() []byte
	Subject() string
	// Sequence is the stream sequence of the stored message.
	Sequence() uint64
	// NumDelivered counts deliveries including this one, starting at 1.
	NumDelivered() uint64
	Timestamp() time.Time

	Ack() error
	// NakWithDelay asks for redelivery after delay.
	NakWithDelay(delay time.Duration) error
	// Term stops redelivery of the message for good.
	Term() error
}

// MessageIterator pulls deliveries from a consumer.
type MessageIterator interface {
	// Next blocks until a delivery is available, ctx is done or Stop is called.
	Next(ctx context.Context) (Message, error)
	// Stop ends intake. Messages already returned can still be acknowledged.
	Stop()
}

// StoredMessage is a message read back from the log without a consumer.
type StoredMessage struct {
	Stream    string
	Subject   string
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
}

// ReadOptions selects messages for an ordered historical read.
type ReadOptions struct {
	Stream         string
	FilterSubjects []string
	Since          time.Time
}

// Reader iterates over stored messages in sequence order.
// Next returns io.EOF once every message present at the start of the read was returned.
type Reader interface {
	Next(ctx context.Context) (StoredMessage, error)
	Close() error
}

// Log is a connected durable log.
type Log interface {
	StreamInfo(ctx context.Context, name string) (StreamConfig, error)
	CreateStream(ctx context.Context, cfg StreamConfig) error
	UpdateStream(ctx context.Context, cfg StreamConfig) error

	// Publish appends data under subject. A non-empty msgID lets the log drop duplicates.
	Publish(ctx context.Context, subject string, data []byte, msgID string) (PubAck, error)

	// Consume creates or joins a consumer. The iterator stops when ctx is done.
	Consume(ctx context.Context, cfg ConsumerConfig) (MessageIterator, error)
	Read(ctx context.Context, opts ReadOptions) (Reader, error)

	IsConnected() bool
	// Close flushes pending writes and releases the connection.
	Close() error
}
