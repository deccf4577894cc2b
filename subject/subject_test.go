package subject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	assert.Equal(t, "message.received.whatsapp-baileys.wa-001",
		Build("message.received", "whatsapp-baileys", "wa-001"))
	assert.Equal(t, "message.received.telegram.bot_1",
		Build("message.received", "telegram", "bot 1"))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		channelType string
		instanceID  string
		expected    string
	}{
		{"both set", "discord", "guild-7", "message.sent.discord.guild-7"},
		{"channel missing", "", "guild-7", "message.sent"},
		{"instance missing", "discord", "", "message.sent"},
		{"nothing set", "", "", "message.sent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve("message.sent", tt.channelType, tt.instanceID))
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("recovers built subject", func(t *testing.T) {
		cases := []struct{ eventType, channelType, instanceID string }{
			{"message.received", "whatsapp-baileys", "wa-001"},
			{"instance.connected", "telegram", "bot.eu.1"},
			{"custom.order_paid", "webhook", "shop"},
		}
		for _, c := range cases {
			parts, ok := Parse(Build(c.eventType, c.channelType, c.instanceID))
			require.True(t, ok)
			assert.Equal(t, c.eventType, parts.Type)
			assert.Equal(t, c.channelType, parts.ChannelType)
			assert.Equal(t, c.instanceID, parts.InstanceID)
		}
	})

	t.Run("splits domain and action", func(t *testing.T) {
		parts, ok := Parse("message.read.slack.T01.C02")
		require.True(t, ok)
		assert.Equal(t, "message", parts.Domain)
		assert.Equal(t, "read", parts.Action)
		assert.Equal(t, "T01.C02", parts.InstanceID)
	})

	t.Run("rejects short or empty tokens", func(t *testing.T) {
		for _, s := range []string{"", "message", "message.received", "message.received.slack", "message..slack.x", "message.received.slack."} {
			_, ok := Parse(s)
			assert.False(t, ok, s)
		}
	})
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"message.received.slack.T1", "message.received.slack.T1", true},
		{"message.received.slack.T1", "message.received.>", true},
		{"message.received.slack.T1", "message.sent.>", false},
		{"message.received.slack.T1", "message.*.slack.T1", true},
		{"message.received.slack.T1", "*.*.*.T1", true},
		{"message.received.slack.T1", "*.*.*.T2", false},
		{"message.received.slack.a.b", "message.received.slack.*", false},
		{"message.received.slack.a.b", "message.received.slack.>", true},
		{"message.received", "message.received.>", false},
		{"message.received", "message.received", true},
		{"message.received", ">", true},
		{"message.received.slack.T1", "message.>.slack", false},
		{"message.received", "message.received.slack", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesPattern(tt.subject, tt.pattern))
		})
	}
}

func TestSubscribePattern(t *testing.T) {
	tests := []struct {
		name                            string
		eventType, channelType, instance string
		expected                        string
	}{
		{"nothing", "", "", "", ">"},
		{"type only", "message.received", "", "", "message.received.>"},
		{"type and channel", "message.received", "slack", "", "message.received.slack.>"},
		{"all fields", "message.received", "slack", "T1", "message.received.slack.T1"},
		{"type and instance", "message.received", "", "T1", "message.received.*.T1"},
		{"channel only", "", "slack", "", "*.*.slack.>"},
		{"instance only", "", "", "T1", "*.*.*.T1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SubscribePattern(tt.eventType, tt.channelType, tt.instance)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFilterSubjects(t *testing.T) {
	assert.Equal(t, []string{"message.received", "message.received.>"}, FilterSubjects("message.received.>"))
	assert.Equal(t, []string{"message.>"}, FilterSubjects("message.>"))
	assert.Equal(t, []string{"*.*.slack.>"}, FilterSubjects("*.*.slack.>"))
	assert.Equal(t, []string{"message.received.slack.T1"}, FilterSubjects("message.received.slack.T1"))
}

func TestTypeFilters(t *testing.T) {
	tests := []struct {
		eventType string
		expected  []string
	}{
		{"message.received", []string{"message.received", "message.received.>"}},
		{"system.replay.started", []string{"system.replay.started", "system.replay.started.>"}},
		{"custom.billing.invoice.paid", []string{"custom.billing.invoice.paid", "custom.billing.invoice.paid.>"}},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			filters := TypeFilters(tt.eventType)
			assert.Equal(t, tt.expected, filters)
			assert.True(t, MatchesPattern(Resolve(tt.eventType, "", ""), filters[0]))
			assert.True(t, MatchesPattern(Resolve(tt.eventType, "slack", "T1"), filters[1]))
		})
	}
}

func TestFirstToken(t *testing.T) {
	assert.Equal(t, "message", FirstToken("message.received"))
	assert.Equal(t, "custom", FirstToken("custom"))
	assert.Equal(t, "*", FirstToken("*.received.>"))
}
