// Package memory is an in-process substrate.Log.
//
// It keeps the delivery semantics the bus relies on: explicit acknowledgment,
// redelivery after the ack wait, delayed negative acknowledgment, termination,
// a delivery ceiling per message and durable consumers whose cursor is shared
// by every subscriber using the same name. Nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/coregx/eventbus/subject"
	"github.com/coregx/eventbus/substrate"
)

const (
	defaultAckWait   = 30 * time.Second
	duplicatesWindow = 2 * time.Minute
)

// Log is an in-memory durable log. The zero value is not usable; call New.
type Log struct {
	mu        sync.Mutex
	streams   map[string]*stream
	dedupe    map[string]dedupeEntry
	closed    bool
	ephemeral int
}

type dedupeEntry struct {
	ack substrate.PubAck
	at  time.Time
}

type stream struct {
	cfg       substrate.StreamConfig
	msgs      []substrate.StoredMessage
	lastSeq   uint64
	consumers map[string]*consumer
}

// New creates an empty log.
func New() *Log {
	return &Log{
		streams: make(map[string]*stream),
		dedupe:  make(map[string]dedupeEntry),
	}
}

// Connect returns the log itself, reopening it after Close.
// It lets a *Log be handed to the bus as its connector.
func (l *Log) Connect(_ context.Context) (substrate.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = false
	return l, nil
}

// StreamInfo implements substrate.Log.
func (l *Log) StreamInfo(_ context.Context, name string) (substrate.StreamConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return substrate.StreamConfig{}, substrate.ErrClosed
	}
	s, ok := l.streams[name]
	if !ok {
		return substrate.StreamConfig{}, substrate.ErrStreamNotFound
	}
	cfg := s.cfg
	cfg.Subjects = slices.Clone(s.cfg.Subjects)
	return cfg, nil
}

// CreateStream implements substrate.Log.
func (l *Log) CreateStream(_ context.Context, cfg substrate.StreamConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return substrate.ErrClosed
	}
	if _, ok := l.streams[cfg.Name]; ok {
		return fmt.Errorf("stream %q already exists", cfg.Name)
	}
	if err := l.checkOverlap(cfg); err != nil {
		return err
	}

	cfg.Subjects = slices.Clone(cfg.Subjects)
	l.streams[cfg.Name] = &stream{cfg: cfg, consumers: make(map[string]*consumer)}
	return nil
}

// UpdateStream implements substrate.Log. The storage class cannot change.
func (l *Log) UpdateStream(_ context.Context, cfg substrate.StreamConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return substrate.ErrClosed
	}
	s, ok := l.streams[cfg.Name]
	if !ok {
		return substrate.ErrStreamNotFound
	}
	if s.cfg.Storage != cfg.Storage {
		return fmt.Errorf("stream %q: storage class cannot be changed", cfg.Name)
	}
	if err := l.checkOverlap(cfg); err != nil {
		return err
	}

	s.cfg.Subjects = slices.Clone(cfg.Subjects)
	s.cfg.MaxAge = cfg.MaxAge
	s.cfg.Description = cfg.Description
	return nil
}

func (l *Log) checkOverlap(cfg substrate.StreamConfig) error {
	for name, s := range l.streams {
		if name == cfg.Name {
			continue
		}
		for _, a := range s.cfg.Subjects {
			for _, b := range cfg.Subjects {
				if a == b {
					return fmt.Errorf("subject %q already captured by stream %q", b, name)
				}
			}
		}
	}
	return nil
}

func (l *Log) streamForSubject(subj string) *stream {
	for _, s := range l.streams {
		for _, pattern := range s.cfg.Subjects {
			if subject.MatchesPattern(subj, pattern) {
				return s
			}
		}
	}
	return nil
}

// Publish implements substrate.Log.
func (l *Log) Publish(_ context.Context, subj string, data []byte, msgID string) (substrate.PubAck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return substrate.PubAck{}, substrate.ErrClosed
	}

	now := time.Now()
	if msgID != "" {
		if prev, ok := l.dedupe[msgID]; ok && now.Sub(prev.at) < duplicatesWindow {
			ack := prev.ack
			ack.Duplicate = true
			return ack, nil
		}
	}

	s := l.streamForSubject(subj)
	if s == nil {
		return substrate.PubAck{}, fmt.Errorf("%w: %s", substrate.ErrNoStreamForSubject, subj)
	}

	s.prune(now)
	s.lastSeq++
	s.msgs = append(s.msgs, substrate.StoredMessage{
		Stream:    s.cfg.Name,
		Subject:   subj,
		Data:      slices.Clone(data),
		Sequence:  s.lastSeq,
		Timestamp: now,
	})

	ack := substrate.PubAck{Stream: s.cfg.Name, Sequence: s.lastSeq}
	if msgID != "" {
		l.dedupe[msgID] = dedupeEntry{ack: ack, at: now}
	}

	for _, c := range s.consumers {
		c.wake()
	}
	return ack, nil
}

// prune drops messages older than the stream's max age.
func (s *stream) prune(now time.Time) {
	if s.cfg.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-s.cfg.MaxAge)
	i := sort.Search(len(s.msgs), func(i int) bool {
		return !s.msgs[i].Timestamp.Before(cutoff)
	})
	if i > 0 {
		s.msgs = slices.Clone(s.msgs[i:])
	}
}

// indexFrom returns the index of the first message with sequence >= seq.
func (s *stream) indexFrom(seq uint64) int {
	return sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].Sequence >= seq
	})
}

// Consume implements substrate.Log.
func (l *Log) Consume(ctx context.Context, cfg substrate.ConsumerConfig) (substrate.MessageIterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, substrate.ErrClosed
	}
	s, ok := l.streams[cfg.Stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", substrate.ErrStreamNotFound, cfg.Stream)
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}

	name := cfg.Durable
	if name == "" {
		l.ephemeral++
		name = fmt.Sprintf("_ephemeral_%d", l.ephemeral)
	}

	c, ok := s.consumers[name]
	if !ok {
		c = newConsumer(s, name, cfg)
		s.consumers[name] = c
	} else {
		c.cfg.FilterSubjects = slices.Clone(cfg.FilterSubjects)
		c.cfg.AckWait = cfg.AckWait
		c.cfg.MaxDeliver = cfg.MaxDeliver
	}
	c.iterators++

	it := &iterator{log: l, stream: s, consumer: c, stopped: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			it.Stop()
		case <-it.stopped:
		}
	}()
	return it, nil
}

// Read implements substrate.Log.
func (l *Log) Read(_ context.Context, opts substrate.ReadOptions) (substrate.Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, substrate.ErrClosed
	}
	s, ok := l.streams[opts.Stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", substrate.ErrStreamNotFound, opts.Stream)
	}

	var out []substrate.StoredMessage
	for _, m := range s.msgs {
		if m.Timestamp.Before(opts.Since) {
			continue
		}
		if !matchesAny(m.Subject, opts.FilterSubjects) {
			continue
		}
		out = append(out, m)
	}
	return &reader{msgs: out}, nil
}

// IsConnected implements substrate.Log.
func (l *Log) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close implements substrate.Log. Blocked iterators return substrate.ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for _, s := range l.streams {
		for _, c := range s.consumers {
			c.wake()
		}
	}
	return nil
}

// Messages returns a copy of everything retained in a stream.
func (l *Log) Messages(streamName string) []substrate.StoredMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[streamName]
	if !ok {
		return nil
	}
	return slices.Clone(s.msgs)
}

// Pending returns the number of unacknowledged deliveries held by a durable consumer.
func (l *Log) Pending(streamName, durable string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[streamName]
	if !ok {
		return 0
	}
	c, ok := s.consumers[durable]
	if !ok {
		return 0
	}
	return len(c.pending)
}

// Delivered returns how many deliveries, redeliveries included, a durable consumer has handed out.
func (l *Log) Delivered(streamName, durable string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[streamName]
	if !ok {
		return 0
	}
	c, ok := s.consumers[durable]
	if !ok {
		return 0
	}
	return c.delivered
}

func matchesAny(subj string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if subject.MatchesPattern(subj, p) {
			return true
		}
	}
	return false
}

type reader struct {
	msgs []substrate.StoredMessage
	pos  int
}

func (r *reader) Next(ctx context.Context) (substrate.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return substrate.StoredMessage{}, err
	}
	if r.pos >= len(r.msgs) {
		return substrate.StoredMessage{}, io.EOF
	}
	m := r.msgs[r.pos]
	r.pos++
	return m, nil
}

func (r *reader) Close() error {
	r.msgs = nil
	return nil
}
