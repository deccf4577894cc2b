package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/eventbus/idempotency"
	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/subject"
	"github.com/coregx/eventbus/substrate"
	"github.com/coregx/eventbus/substrate/memory"
)

func intPtr(n int) *int             { return &n }
func floatPtr(f float64) *float64   { return &f }
func timePtr(t time.Time) *time.Time { return &t }

func TestValidate(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		opts  Options
		valid bool
	}{
		{"minimal", Options{Since: since}, true},
		{"missing since", Options{}, false},
		{"until after since", Options{Since: since, Until: timePtr(since.Add(time.Hour))}, true},
		{"until equal since", Options{Since: since, Until: timePtr(since)}, false},
		{"until before since", Options{Since: since, Until: timePtr(since.Add(-time.Hour))}, false},
		{"positive limit", Options{Since: since, Limit: intPtr(10)}, true},
		{"zero limit", Options{Since: since, Limit: intPtr(0)}, false},
		{"negative limit", Options{Since: since, Limit: intPtr(-1)}, false},
		{"zero speed is instant", Options{Since: since, SpeedMultiplier: floatPtr(0)}, true},
		{"positive speed", Options{Since: since, SpeedMultiplier: floatPtr(2.5)}, true},
		{"negative speed", Options{Since: since, SpeedMultiplier: floatPtr(-1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.opts)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.valid {
				assert.Empty(t, res.Error)
			} else {
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestEstimateCompletion(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)

	assert.Nil(t, EstimateCompletion(Progress{Total: 100, StartedAt: start}, now))
	assert.Nil(t, EstimateCompletion(Progress{Total: 100, Processed: 10}, now))

	eta := EstimateCompletion(Progress{Total: 100, Processed: 10, StartedAt: start}, now)
	require.NotNil(t, eta)
	assert.WithinDuration(t, now.Add(90*time.Second), *eta, time.Millisecond)

	done := EstimateCompletion(Progress{Total: 10, Processed: 10, StartedAt: start}, now)
	require.NotNil(t, done)
	assert.Equal(t, now, *done)
}

type recordingPublisher struct {
	mu          sync.Mutex
	republished []*model.Event
	system      []string
	gate        chan struct{}
	failIDs     map[string]bool
}

func (p *recordingPublisher) Republish(ctx context.Context, evt *model.Event) (*model.PublishResult, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIDs[evt.ID] {
		return nil, errors.New("publish failed")
	}
	p.republished = append(p.republished, evt)
	return &model.PublishResult{ID: evt.ID}, nil
}

func (p *recordingPublisher) PublishGeneric(_ context.Context, eventType string, _ any, _ model.Metadata) (*model.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.system = append(p.system, eventType)
	return &model.PublishResult{}, nil
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.republished))
	for _, e := range p.republished {
		out = append(out, e.ID)
	}
	return out
}

func (p *recordingPublisher) systemEvents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.system...)
}

type fixture struct {
	log    *memory.Log
	pub    *recordingPublisher
	engine *Engine
	base   time.Time
}

func streamFor(eventType string) string {
	switch subject.FirstToken(eventType) {
	case "message":
		return "MESSAGE"
	case "system":
		return "SYSTEM"
	default:
		return "CUSTOM"
	}
}

func newFixture(t *testing.T, processed idempotency.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	log := memory.New()
	for name, subj := range map[string]string{"MESSAGE": "message.>", "CUSTOM": "custom.>", "SYSTEM": "system.>"} {
		require.NoError(t, log.CreateStream(ctx, substrate.StreamConfig{Name: name, Subjects: []string{subj}}))
	}

	pub := &recordingPublisher{}
	engine, err := NewEngine(Config{
		Source:         log,
		Publisher:      pub,
		Streams:        []string{"MESSAGE", "CUSTOM", "SYSTEM"},
		SystemStream:   "SYSTEM",
		StreamFor:      streamFor,
		Processed:      processed,
		ProcessedScope: "replay",
	})
	require.NoError(t, err)

	return &fixture{log: log, pub: pub, engine: engine, base: time.Now().Add(-10 * time.Minute)}
}

func (f *fixture) add(t *testing.T, id, eventType, instance string, offset time.Duration) {
	t.Helper()
	evt := &model.Event{
		ID:        id,
		Type:      eventType,
		Payload:   []byte(`{"n":1}`),
		Timestamp: f.base.Add(offset),
		Metadata:  model.Metadata{CorrelationID: id, InstanceID: instance, ChannelType: "whatsapp"},
	}
	data, err := evt.Marshal()
	require.NoError(t, err)
	subj := subject.Resolve(eventType, "whatsapp", instance)
	_, err = f.log.Publish(context.Background(), subj, data, id)
	require.NoError(t, err)
}

func (f *fixture) seed(t *testing.T) {
	f.add(t, "m1", "message.received", "wa-1", 1*time.Second)
	f.add(t, "c1", "custom.order_paid", "wa-1", 2*time.Second)
	f.add(t, "m2", "message.sent", "wa-2", 3*time.Second)
	f.add(t, "s1", "system.dead_letter", "wa-1", 4*time.Second)
	f.add(t, "c2", "custom.order_paid", "wa-2", 5*time.Second)
	f.add(t, "m3", "message.received", "wa-1", 6*time.Second)
}

func (f *fixture) run(t *testing.T, opts Options) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.engine.Run(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Config{Publisher: &recordingPublisher{}, StreamFor: streamFor})
	assert.Error(t, err)
	_, err = NewEngine(Config{Source: memory.New(), StreamFor: streamFor})
	assert.Error(t, err)
	_, err = NewEngine(Config{Source: memory.New(), Publisher: &recordingPublisher{}})
	assert.Error(t, err)
}

func TestEngine_LiveMergesStreamsByTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	res := f.run(t, Options{Since: f.base})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 5, res.EventsProcessed)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, []string{"m1", "c1", "m2", "c2", "m3"}, f.pub.ids(), "system stream excluded, timestamp order")
	assert.Equal(t, []string{string(model.EventReplayStarted), string(model.EventReplayCompleted)}, f.pub.systemEvents())
}

func TestEngine_DryRunDoesNotPublish(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	res := f.run(t, Options{Since: f.base, DryRun: true})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 5, res.EventsProcessed)
	assert.Empty(t, f.pub.ids())
	assert.Len(t, f.pub.systemEvents(), 2)
}

func TestEngine_Filters(t *testing.T) {
	tests := []struct {
		name     string
		opts     func(base time.Time) Options
		expected []string
	}{
		{
			name:     "by type",
			opts:     func(b time.Time) Options { return Options{Since: b, EventTypes: []string{"message.received"}} },
			expected: []string{"m1", "m3"},
		},
		{
			name: "types across streams",
			opts: func(b time.Time) Options {
				return Options{Since: b, EventTypes: []string{"message.sent", "custom.order_paid"}}
			},
			expected: []string{"c1", "m2", "c2"},
		},
		{
			name:     "system included when requested",
			opts:     func(b time.Time) Options { return Options{Since: b, EventTypes: []string{"system.dead_letter"}} },
			expected: []string{"s1"},
		},
		{
			name:     "by instance",
			opts:     func(b time.Time) Options { return Options{Since: b, InstanceID: "wa-2"} },
			expected: []string{"m2", "c2"},
		},
		{
			name:     "since and until",
			opts:     func(b time.Time) Options { return Options{Since: b.Add(2 * time.Second), Until: timePtr(b.Add(5 * time.Second))} },
			expected: []string{"c1", "m2", "c2"},
		},
		{
			name:     "limit",
			opts:     func(b time.Time) Options { return Options{Since: b, Limit: intPtr(2)} },
			expected: []string{"m1", "c1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.seed(t)

			res := f.run(t, tt.opts(f.base))
			assert.Equal(t, len(tt.expected), res.EventsProcessed)
			assert.Equal(t, tt.expected, f.pub.ids())
		})
	}
}

func TestEngine_SkipProcessed(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemoryStore(time.Hour)
	require.NoError(t, store.MarkProcessed(ctx, "replay", "m1"))
	require.NoError(t, store.MarkProcessed(ctx, "replay", "c2"))

	f := newFixture(t, store)
	f.seed(t)

	res := f.run(t, Options{Since: f.base, SkipProcessed: true})
	assert.Equal(t, 3, res.EventsProcessed)
	assert.Equal(t, 2, res.EventsSkipped)
	assert.Equal(t, []string{"c1", "m2", "m3"}, f.pub.ids())
}

func TestEngine_SkipProcessedRequiresStore(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Start(context.Background(), Options{Since: f.base, SkipProcessed: true})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEngine_PublishErrorsAreCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	f.pub.failIDs = map[string]bool{"m2": true}

	res := f.run(t, Options{Since: f.base})
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 4, res.EventsProcessed)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.EventErrors, 1)
	assert.Equal(t, "m2", res.EventErrors[0].EventID)
}

func TestEngine_MalformedStoredMessagesAreErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "m1", "message.received", "wa-1", time.Second)
	_, err := f.log.Publish(context.Background(), "message.received", []byte(`{"id":"x"}`), "")
	require.NoError(t, err)

	res := f.run(t, Options{Since: f.base})
	assert.Equal(t, 1, res.EventsProcessed)
	assert.Equal(t, 1, res.Errors)
}

func TestEngine_StartRejectsInvalidOptions(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	_, err := f.engine.Start(context.Background(), Options{Since: f.base, Limit: intPtr(0)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, verr.Result.Valid)
	assert.Contains(t, verr.Result.Error, "limit")

	assert.Empty(t, f.pub.systemEvents(), "nothing emitted for invalid options")
	assert.Empty(t, f.engine.Sessions())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_PauseResume(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	f.pub.gate = make(chan struct{})

	s, err := f.engine.Start(context.Background(), Options{Since: f.base, EventTypes: []string{"message.received"}})
	require.NoError(t, err)
	require.NoError(t, f.engine.Pause(s.ID))

	status, err := f.engine.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)
	assert.ErrorIs(t, f.engine.Pause(s.ID), ErrInvalidTransition)

	waitFor(t, func() bool {
		p, _ := f.engine.Progress(s.ID)
		return p.Total == 2
	})
	p, err := f.engine.Progress(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Processed)
	assert.Nil(t, p.EstimatedCompletion)

	require.NoError(t, f.engine.Resume(s.ID))
	assert.ErrorIs(t, f.engine.Resume(s.ID), ErrInvalidTransition)

	f.pub.gate <- struct{}{}
	f.pub.gate <- struct{}{}

	res, err := f.engine.Wait(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.EventsProcessed)
}

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	f.pub.gate = make(chan struct{})

	s, err := f.engine.Start(context.Background(), Options{Since: f.base})
	require.NoError(t, err)
	require.NoError(t, f.engine.Pause(s.ID))
	require.NoError(t, f.engine.Cancel(s.ID))

	res, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 0, res.EventsProcessed)
	assert.Empty(t, f.pub.ids())

	assert.ErrorIs(t, f.engine.Cancel(s.ID), ErrInvalidTransition)
	assert.Contains(t, f.pub.systemEvents(), string(model.EventReplayCompleted))
}

func TestEngine_Forget(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	f.pub.gate = make(chan struct{})

	s, err := f.engine.Start(context.Background(), Options{Since: f.base})
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.Forget(s.ID), ErrInvalidTransition)

	require.NoError(t, f.engine.Cancel(s.ID))
	<-s.Done()

	require.NoError(t, f.engine.Forget(s.ID))
	_, err = f.engine.Status(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.engine.Forget(s.ID), ErrSessionNotFound)
}

func TestEngine_SpeedMultiplierPacesEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "m1", "message.received", "wa-1", 0)
	f.add(t, "m2", "message.received", "wa-1", 100*time.Millisecond)
	f.add(t, "m3", "message.received", "wa-1", 200*time.Millisecond)

	res := f.run(t, Options{Since: f.base, SpeedMultiplier: floatPtr(10)})
	assert.Equal(t, 3, res.EventsProcessed)
	assert.GreaterOrEqual(t, res.Duration, 15*time.Millisecond)
}
