package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coregx/eventbus/substrate"
	"github.com/coregx/eventbus/substrate/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_StreamFor(t *testing.T) {
	r := DefaultRouter()

	tests := []struct {
		eventType string
		expected  string
	}{
		{"message.received", Message},
		{"reaction.added", Message},
		{"presence.typing", Presence},
		{"instance.connected", Instance},
		{"access.denied", Identity},
		{"session.closed", Agent},
		{"media.processed", Media},
		{"custom.order_paid", Custom},
		{"system.dead_letter", System},
		{"billing.invoice", Custom},
		{"", Custom},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.StreamFor(tt.eventType))
		})
	}
}

func TestRouter_StreamForPattern(t *testing.T) {
	r := DefaultRouter()

	name, err := r.StreamForPattern("message.received.>")
	require.NoError(t, err)
	assert.Equal(t, Message, name)

	for _, p := range []string{">", "*.received.slack.>", "*.*.*.wa-001"} {
		_, err := r.StreamForPattern(p)
		var routingErr *RoutingError
		require.True(t, errors.As(err, &routingErr), p)
		assert.Equal(t, p, routingErr.Pattern)
	}
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter([]Definition{{Name: "A", Prefixes: []string{"x"}}}, "B")
	assert.Error(t, err)

	_, err = NewRouter([]Definition{
		{Name: "A", Prefixes: []string{"x"}},
		{Name: "B", Prefixes: []string{"x"}},
	}, "A")
	assert.Error(t, err)

	_, err = NewRouter([]Definition{{Name: "A", Prefixes: []string{"*"}}}, "A")
	assert.Error(t, err)

	_, err = NewRouter([]Definition{{Name: "A"}, {Name: "A"}}, "A")
	assert.Error(t, err)
}

func TestDefinition_Config(t *testing.T) {
	r := DefaultRouter()

	d, ok := r.Definition(Presence)
	require.True(t, ok)
	cfg := d.Config()
	assert.Equal(t, []string{"presence.>"}, cfg.Subjects)
	assert.Equal(t, substrate.MemoryStorage, cfg.Storage)

	d, ok = r.Definition(Message)
	require.True(t, ok)
	assert.Equal(t, []string{"message.>", "reaction.>"}, d.Config().Subjects)
	assert.Equal(t, substrate.FileStorage, d.Config().Storage)

	assert.Len(t, r.Names(), len(DefaultDefinitions()))
}

func TestRouter_Ensure(t *testing.T) {
	ctx := context.Background()
	log := memory.New()

	first := []Definition{
		{Name: "MESSAGE", Prefixes: []string{"message"}, MaxAge: time.Hour},
		{Name: "CUSTOM", Prefixes: []string{"custom"}, MaxAge: time.Hour},
	}
	r, err := NewRouter(first, "CUSTOM")
	require.NoError(t, err)

	results, err := r.Ensure(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, []EnsureResult{{"MESSAGE", ActionCreated}, {"CUSTOM", ActionCreated}}, results)

	results, err = r.Ensure(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, []EnsureResult{{"MESSAGE", ActionUnchanged}, {"CUSTOM", ActionUnchanged}}, results)

	second := []Definition{
		{Name: "MESSAGE", Prefixes: []string{"message", "reaction"}, MaxAge: time.Hour},
		{Name: "CUSTOM", Prefixes: []string{"custom"}, MaxAge: 2 * time.Hour, MemoryOnly: true},
	}
	r, err = NewRouter(second, "CUSTOM")
	require.NoError(t, err)

	results, err = r.Ensure(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, []EnsureResult{{"MESSAGE", ActionUpdated}, {"CUSTOM", ActionStorageMismatch}}, results)

	cfg, err := log.StreamInfo(ctx, "MESSAGE")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"message.>", "reaction.>"}, cfg.Subjects)

	cfg, err = log.StreamInfo(ctx, "CUSTOM")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.MaxAge)
	assert.Equal(t, substrate.FileStorage, cfg.Storage)
}

type failingProvisioner struct{}

func (failingProvisioner) StreamInfo(context.Context, string) (substrate.StreamConfig, error) {
	return substrate.StreamConfig{}, errors.New("timeout")
}

func (failingProvisioner) CreateStream(context.Context, substrate.StreamConfig) error { return nil }

func (failingProvisioner) UpdateStream(context.Context, substrate.StreamConfig) error { return nil }

func TestRouter_EnsurePropagatesErrors(t *testing.T) {
	_, err := DefaultRouter().Ensure(context.Background(), failingProvisioner{})
	assert.ErrorContains(t, err, "timeout")
}
