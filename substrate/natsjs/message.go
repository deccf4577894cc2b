package natsjs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coregx/eventbus/substrate"
)

type iterator struct {
	msgs jetstream.MessagesContext
	once sync.Once
	done chan struct{}
}

func (it *iterator) Next(ctx context.Context) (substrate.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := it.msgs.Next()
	if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
		return nil, substrate.ErrIteratorClosed
	}
	if err != nil {
		return nil, err
	}

	md, err := m.Metadata()
	if err != nil {
		return nil, fmt.Errorf("read message metadata: %w", err)
	}
	return &message{msg: m, md: md}, nil
}

// Stop drains the pull subscription so already fetched messages can still be acknowledged.
func (it *iterator) Stop() {
	it.once.Do(func() {
		close(it.done)
		it.msgs.Drain()
	})
}

type message struct {
	msg jetstream.Msg
	md  *jetstream.MsgMetadata
}

func (m *message) Data() []byte         { return m.msg.Data() }
func (m *message) Subject() string      { return m.msg.Subject() }
func (m *message) Sequence() uint64     { return m.md.Sequence.Stream }
func (m *message) NumDelivered() uint64 { return m.md.NumDelivered }
func (m *message) Timestamp() time.Time { return m.md.Timestamp }

func (m *message) Ack() error {
	return m.msg.Ack()
}

func (m *message) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

func (m *message) Term() error {
	return m.msg.Term()
}

type reader struct {
	stream string
	cons   jetstream.Consumer
	wait   time.Duration
	done   bool
}

// Next returns io.EOF after the message that left nothing pending, or when
// no message arrives within the fetch wait.
func (r *reader) Next(ctx context.Context) (substrate.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return substrate.StoredMessage{}, err
	}
	if r.done {
		return substrate.StoredMessage{}, io.EOF
	}

	m, err := r.cons.Next(jetstream.FetchMaxWait(r.wait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		r.done = true
		return substrate.StoredMessage{}, io.EOF
	}
	if err != nil {
		return substrate.StoredMessage{}, fmt.Errorf("read %s: %w", r.stream, err)
	}

	md, err := m.Metadata()
	if err != nil {
		return substrate.StoredMessage{}, fmt.Errorf("read message metadata: %w", err)
	}
	if md.NumPending == 0 {
		r.done = true
	}

	return substrate.StoredMessage{
		Stream:    r.stream,
		Subject:   m.Subject(),
		Data:      m.Data(),
		Sequence:  md.Sequence.Stream,
		Timestamp: md.Timestamp,
	}, nil
}

func (r *reader) Close() error {
	r.done = true
	return nil
}
