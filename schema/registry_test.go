package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderSchema = `{
	"type": "object",
	"properties": {
		"orderId": {"type": "string"},
		"amount": {"type": "number", "minimum": 0}
	},
	"required": ["orderId", "amount"]
}`

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	t.Run("custom type", func(t *testing.T) {
		require.NoError(t, r.Register(Definition{EventType: "custom.order_paid", Schema: orderSchema, Stream: "ORDERS"}))
		assert.True(t, r.Has("custom.order_paid"))
		assert.JSONEq(t, orderSchema, string(r.Schema("custom.order_paid")))
	})

	t.Run("system type", func(t *testing.T) {
		require.NoError(t, r.Register(Definition{EventType: "system.heartbeat", Schema: `{"type":"object"}`}))
	})

	t.Run("core type rejected", func(t *testing.T) {
		err := r.Register(Definition{EventType: "message.received", Schema: `{}`})
		assert.ErrorIs(t, err, ErrCoreType)
	})

	t.Run("other namespace rejected", func(t *testing.T) {
		err := r.Register(Definition{EventType: "billing.invoice", Schema: `{}`})
		assert.ErrorIs(t, err, ErrNamespace)
	})

	t.Run("invalid schema rejected", func(t *testing.T) {
		err := r.Register(Definition{EventType: "custom.broken", Schema: `{"type": 12}`})
		assert.Error(t, err)
		assert.False(t, r.Has("custom.broken"))
	})

	assert.Len(t, r.Definitions(), 2)
}

func TestRegistry_MustRegister(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(Definition{EventType: "message.sent", Schema: `{}`})
	})
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Definition{EventType: "custom.order_paid", Schema: orderSchema})
	r.MustRegister(Definition{EventType: "system.heartbeat", Schema: `{"type":"object","required":["node"]}`})

	tests := []struct {
		name      string
		eventType string
		payload   string
		success   bool
	}{
		{"core always passes", "message.received", `"anything"`, true},
		{"registered custom valid", "custom.order_paid", `{"orderId":"o1","amount":12.5}`, true},
		{"registered custom missing field", "custom.order_paid", `{"orderId":"o1"}`, false},
		{"registered custom wrong type", "custom.order_paid", `{"orderId":1,"amount":1}`, false},
		{"registered custom not json", "custom.order_paid", `{`, false},
		{"registered system valid", "system.heartbeat", `{"node":"a"}`, true},
		{"registered system invalid", "system.heartbeat", `{}`, false},
		{"unregistered system passes", "system.anything", `{}`, true},
		{"unknown namespace fails", "billing.invoice", `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Validate(tt.eventType, []byte(tt.payload))
			assert.Equal(t, tt.success, res.Success)
			if tt.success {
				assert.NoError(t, res.Err)
			} else {
				assert.Error(t, res.Err)
			}
		})
	}
}

func TestRegistry_ValidateUnknownType(t *testing.T) {
	res := NewRegistry().Validate("billing.invoice", []byte(`{}`))
	assert.ErrorIs(t, res.Err, ErrUnknownEventType)
}

func TestRegistry_UnregisteredCustomWarnsOnce(t *testing.T) {
	r := NewRegistry()

	first := r.Validate("custom.new_thing", []byte(`{"x":1}`))
	assert.True(t, first.Success)
	assert.NoError(t, first.Err)
	assert.Contains(t, first.Warning, "custom.new_thing")

	second := r.Validate("custom.new_thing", []byte(`{"x":1}`))
	assert.True(t, second.Success)
	assert.Empty(t, second.Warning)

	silent := r.Validate("system.unregistered", []byte(`{}`))
	assert.Empty(t, silent.Warning)
}

func TestRegistry_ReplaceSchema(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Definition{EventType: "custom.v", Schema: `{"type":"object","required":["a"]}`})
	assert.False(t, r.Validate("custom.v", []byte(`{"b":1}`)).Success)

	r.MustRegister(Definition{EventType: "custom.v", Schema: `{"type":"object","required":["b"]}`})
	assert.True(t, r.Validate("custom.v", []byte(`{"b":1}`)).Success)
}

func TestRegistry_Stream(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Definition{EventType: "custom.with_stream", Schema: `{}`, Stream: "ORDERS"})
	r.MustRegister(Definition{EventType: "custom.without_stream", Schema: `{}`})

	name, ok := r.Stream("custom.with_stream")
	assert.True(t, ok)
	assert.Equal(t, "ORDERS", name)

	_, ok = r.Stream("custom.without_stream")
	assert.False(t, ok)

	_, ok = r.Stream("custom.missing")
	assert.False(t, ok)
}

type ticketOpened struct {
	TicketID string `json:"ticketId"`
	Priority int    `json:"priority"`
	Note     string `json:"note,omitempty"`
}

func TestRegistry_RegisterType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterType(Definition{EventType: "custom.ticket_opened"}, ticketOpened{}))

	valid, err := json.Marshal(ticketOpened{TicketID: "t1", Priority: 2})
	require.NoError(t, err)
	assert.True(t, r.Validate("custom.ticket_opened", valid).Success)

	assert.False(t, r.Validate("custom.ticket_opened", []byte(`{"ticketId":"t1"}`)).Success)
	assert.False(t, r.Validate("custom.ticket_opened", []byte(`{"ticketId":"t1","priority":"high"}`)).Success)
}
