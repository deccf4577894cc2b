package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType is the dot-namespaced name of an event, domain.action.
type EventType string

// String returns the type as a plain string.
func (t EventType) String() string {
	return string(t)
}

// Core event types. Their payload shapes are fixed at compile time and they
// bypass runtime schema validation.
const (
	EventMessageReceived  EventType = "message.received"
	EventMessageSent      EventType = "message.sent"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageRead      EventType = "message.read"
	EventMessageFailed    EventType = "message.failed"
	EventMessageDeleted   EventType = "message.deleted"
	EventMessageEdited    EventType = "message.edited"

	EventReactionAdded   EventType = "reaction.added"
	EventReactionRemoved EventType = "reaction.removed"

	EventPresenceTyping  EventType = "presence.typing"
	EventPresenceOnline  EventType = "presence.online"
	EventPresenceOffline EventType = "presence.offline"

	EventInstanceConnected    EventType = "instance.connected"
	EventInstanceDisconnected EventType = "instance.disconnected"
	EventInstanceQRCode       EventType = "instance.qr_code"
	EventInstanceError        EventType = "instance.error"

	EventIdentityCreated EventType = "identity.created"
	EventIdentityLinked  EventType = "identity.linked"
	EventIdentityMerged  EventType = "identity.merged"
	EventAccessAllowed   EventType = "access.allowed"
	EventAccessDenied    EventType = "access.denied"

	EventAgentRequest  EventType = "agent.request"
	EventAgentResponse EventType = "agent.response"
	EventAgentError    EventType = "agent.error"
	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"

	EventMediaReceived  EventType = "media.received"
	EventMediaProcessed EventType = "media.processed"
	EventMediaFailed    EventType = "media.failed"
)

// System event types emitted by the bus itself.
const (
	EventDeadLetter      EventType = "system.dead_letter"
	EventReplayStarted   EventType = "system.replay.started"
	EventReplayCompleted EventType = "system.replay.completed"
)

var coreEventTypes = map[EventType]struct{}{
	EventMessageReceived: {}, EventMessageSent: {}, EventMessageDelivered: {},
	EventMessageRead: {}, EventMessageFailed: {}, EventMessageDeleted: {}, EventMessageEdited: {},
	EventReactionAdded: {}, EventReactionRemoved: {},
	EventPresenceTyping: {}, EventPresenceOnline: {}, EventPresenceOffline: {},
	EventInstanceConnected: {}, EventInstanceDisconnected: {}, EventInstanceQRCode: {}, EventInstanceError: {},
	EventIdentityCreated: {}, EventIdentityLinked: {}, EventIdentityMerged: {},
	EventAccessAllowed: {}, EventAccessDenied: {},
	EventAgentRequest: {}, EventAgentResponse: {}, EventAgentError: {},
	EventSessionOpened: {}, EventSessionClosed: {},
	EventMediaReceived: {}, EventMediaProcessed: {}, EventMediaFailed: {},
}

// CoreEventTypes returns every core event type.
func CoreEventTypes() []EventType {
	types := make([]EventType, 0, len(coreEventTypes))
	for t := range coreEventTypes {
		types = append(types, t)
	}
	return types
}

// Namespace classifies an event type by how its payload is validated.
type Namespace int

const (
	// NamespaceUnknown is anything outside the other three; always rejected.
	NamespaceUnknown Namespace = iota
	// NamespaceCore types are trusted, their shape is checked at compile time.
	NamespaceCore
	// NamespaceCustom types are user defined and validated when a schema is registered.
	NamespaceCustom
	// NamespaceSystem types are internal and validated only when registered.
	NamespaceSystem
)

const (
	// CustomPrefix starts every user-defined event type.
	CustomPrefix = "custom."
	// SystemPrefix starts every internal event type.
	SystemPrefix = "system."
)

func (n Namespace) String() string {
	switch n {
	case NamespaceCore:
		return "core"
	case NamespaceCustom:
		return "custom"
	case NamespaceSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Classify returns the namespace of an event type.
func Classify(eventType string) Namespace {
	switch {
	case IsCore(eventType):
		return NamespaceCore
	case strings.HasPrefix(eventType, CustomPrefix) && len(eventType) > len(CustomPrefix):
		return NamespaceCustom
	case strings.HasPrefix(eventType, SystemPrefix) && len(eventType) > len(SystemPrefix):
		return NamespaceSystem
	default:
		return NamespaceUnknown
	}
}

// IsCore reports whether the type is one of the statically known core types.
func IsCore(eventType string) bool {
	_, ok := coreEventTypes[EventType(eventType)]
	return ok
}

// Metadata travels with every event.
type Metadata struct {
	CorrelationID      string `json:"correlationId"`
	InstanceID         string `json:"instanceId,omitempty"`
	ChannelType        string `json:"channelType,omitempty"`
	PersonID           string `json:"personId,omitempty"`
	PlatformIdentityID string `json:"platformIdentityId,omitempty"`
	TraceID            string `json:"traceId,omitempty"`
	Source             string `json:"source,omitempty"`

	// StreamSequence is set on delivery only, never by publishers.
	StreamSequence uint64 `json:"streamSequence,omitempty"`
}

// Event is the envelope that crosses the log.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  Metadata        `json:"metadata"`
}

// ErrMalformedEnvelope is returned by ParseEnvelope for envelopes missing id, type or payload.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

// ParseEnvelope decodes an envelope and checks the required fields.
// A payload that is absent or JSON null counts as missing.
func ParseEnvelope(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var missing []string
	if evt.ID == "" {
		missing = append(missing, "id")
	}
	if evt.Type == "" {
		missing = append(missing, "type")
	}
	if len(evt.Payload) == 0 || bytes.Equal(bytes.TrimSpace(evt.Payload), []byte("null")) {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, strings.Join(missing, ", "))
	}

	return &evt, nil
}

// Marshal encodes the envelope for the wire.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Namespace returns the namespace of the event's type.
func (e *Event) Namespace() Namespace {
	return Classify(e.Type)
}

// PublishResult is returned for every successful publish.
type PublishResult struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"sequence"`
	Stream   string `json:"stream"`
}
