package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/coregx/eventbus/substrate"
)

type consumer struct {
	stream    *stream
	name      string
	cfg       substrate.ConsumerConfig
	nextSeq   uint64
	pending   map[uint64]*delivery
	signal    chan struct{}
	iterators int
	delivered int
}

// delivery tracks one stored message that has been handed out at least once
// and not yet acknowledged or terminated.
type delivery struct {
	msg   substrate.StoredMessage
	count uint64
	// eligibleAt is the ack deadline while in flight, the redelivery time after a nak.
	eligibleAt time.Time
}

func newConsumer(s *stream, name string, cfg substrate.ConsumerConfig) *consumer {
	cfg.FilterSubjects = slices.Clone(cfg.FilterSubjects)
	c := &consumer{
		stream:  s,
		name:    name,
		cfg:     cfg,
		pending: make(map[uint64]*delivery),
		signal:  make(chan struct{}),
	}

	switch cfg.DeliverPolicy {
	case substrate.DeliverAll:
		c.nextSeq = 1
	case substrate.DeliverLast:
		c.nextSeq = s.lastSeq + 1
		for i := len(s.msgs) - 1; i >= 0; i-- {
			if matchesAny(s.msgs[i].Subject, cfg.FilterSubjects) {
				c.nextSeq = s.msgs[i].Sequence
				break
			}
		}
	case substrate.DeliverByStartTime:
		c.nextSeq = s.lastSeq + 1
		if cfg.OptStartTime != nil {
			for _, m := range s.msgs {
				if !m.Timestamp.Before(*cfg.OptStartTime) {
					c.nextSeq = m.Sequence
					break
				}
			}
		}
	default:
		c.nextSeq = s.lastSeq + 1
	}
	return c
}

// wake releases every goroutine waiting on the consumer. Caller holds the log lock.
func (c *consumer) wake() {
	close(c.signal)
	c.signal = make(chan struct{})
}

// next picks the next delivery. When nothing is ready it returns how long
// until a pending redelivery becomes eligible (zero means none) and the
// channel that is closed on the next state change. Caller holds the log lock.
func (c *consumer) next(now time.Time) (*delivery, time.Duration, <-chan struct{}) {
	if d := c.nextRedelivery(now); d != nil {
		return d, 0, nil
	}

	for i := c.stream.indexFrom(c.nextSeq); i < len(c.stream.msgs); i++ {
		m := c.stream.msgs[i]
		c.nextSeq = m.Sequence + 1
		if !matchesAny(m.Subject, c.cfg.FilterSubjects) {
			continue
		}
		d := &delivery{msg: m, count: 1, eligibleAt: now.Add(c.cfg.AckWait)}
		c.pending[m.Sequence] = d
		c.delivered++
		return d, 0, nil
	}

	var wait time.Duration
	for _, d := range c.pending {
		if w := d.eligibleAt.Sub(now); wait == 0 || w < wait {
			wait = w
		}
	}
	if wait < 0 {
		wait = 0
	}
	return nil, wait, c.signal
}

func (c *consumer) nextRedelivery(now time.Time) *delivery {
	for {
		var best *delivery
		for _, d := range c.pending {
			if d.eligibleAt.After(now) {
				continue
			}
			if best == nil || d.msg.Sequence < best.msg.Sequence {
				best = d
			}
		}
		if best == nil {
			return nil
		}
		if c.cfg.MaxDeliver > 0 && best.count >= uint64(c.cfg.MaxDeliver) {
			delete(c.pending, best.msg.Sequence)
			continue
		}
		best.count++
		best.eligibleAt = now.Add(c.cfg.AckWait)
		c.delivered++
		return best
	}
}

type iterator struct {
	log      *Log
	stream   *stream
	consumer *consumer
	stopped  chan struct{}
	once     sync.Once
}

func (it *iterator) Next(ctx context.Context) (substrate.Message, error) {
	for {
		select {
		case <-it.stopped:
			return nil, substrate.ErrIteratorClosed
		default:
		}

		it.log.mu.Lock()
		if it.log.closed {
			it.log.mu.Unlock()
			return nil, substrate.ErrClosed
		}
		d, wait, signal := it.consumer.next(time.Now())
		var msg substrate.Message
		if d != nil {
			msg = &message{log: it.log, consumer: it.consumer, msg: d.msg, count: d.count}
		}
		it.log.mu.Unlock()

		if msg != nil {
			return msg, nil
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-it.stopped:
			stopTimer(timer)
			return nil, substrate.ErrIteratorClosed
		case <-signal:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func (it *iterator) Stop() {
	it.once.Do(func() {
		close(it.stopped)

		it.log.mu.Lock()
		defer it.log.mu.Unlock()
		c := it.consumer
		c.iterators--
		if c.cfg.Durable == "" && c.iterators == 0 {
			delete(it.stream.consumers, c.name)
		}
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type message struct {
	log      *Log
	consumer *consumer
	msg      substrate.StoredMessage
	count    uint64
}

func (m *message) Data() []byte { return m.msg.Data }
func (m *message) Subject() string { return m.msg.Subject }
func (m *message) Sequence() uint64 { return m.msg.Sequence }
func (m *message) NumDelivered() uint64 { return m.count }
func (m *message) Timestamp() time.Time { return m.msg.Timestamp }

func (m *message) Ack() error {
	return m.settle(func(c *consumer) {
		delete(c.pending, m.msg.Sequence)
	})
}

func (m *message) NakWithDelay(delay time.Duration) error {
	return m.settle(func(c *consumer) {
		d, ok := c.pending[m.msg.Sequence]
		if !ok {
			return
		}
		d.eligibleAt = time.Now().Add(delay)
		c.wake()
	})
}

func (m *message) Term() error {
	return m.settle(func(c *consumer) {
		delete(c.pending, m.msg.Sequence)
	})
}

func (m *message) settle(fn func(c *consumer)) error {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()

	if m.log.closed {
		return substrate.ErrClosed
	}
	fn(m.consumer)
	return nil
}
