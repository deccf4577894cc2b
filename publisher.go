package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/subject"
	"github.com/coregx/eventbus/substrate"
)

// Publish validates payload, wraps it in an envelope and appends it to the
// stream that owns eventType.
//
// Metadata defaults: correlationId and traceId fall back to the new event id,
// source falls back to the service name.
//
// Example:
//
//	res, err := bus.Publish(ctx, model.EventMessageReceived, model.MessageReceived{
//	    MessageID: "wamid.1",
//	    ChatID:    "5511999@s.whatsapp.net",
//	    Text:      "hello",
//	}, model.Metadata{ChannelType: "whatsapp", InstanceID: "wa-1"})
func (b *Bus) Publish(ctx context.Context, eventType model.EventType, payload any, meta model.Metadata) (*model.PublishResult, error) {
	return b.PublishGeneric(ctx, string(eventType), payload, meta)
}

// PublishGeneric is Publish for types only known at runtime, such as custom events.
func (b *Bus) PublishGeneric(ctx context.Context, eventType string, payload any, meta model.Metadata) (*model.PublishResult, error) {
	log, err := b.activeLog(false)
	if err != nil {
		return nil, err
	}
	return b.publishEvent(ctx, log, eventType, payload, meta)
}

// Emit publishes a core payload under the type it declares.
func Emit[P model.CorePayload](ctx context.Context, b *Bus, payload P, meta model.Metadata) (*model.PublishResult, error) {
	return b.Publish(ctx, payload.EventType(), payload, meta)
}

// Republish appends an existing event again, keeping its id, timestamp and
// metadata. The log does not deduplicate republished events.
func (b *Bus) Republish(ctx context.Context, evt *model.Event) (*model.PublishResult, error) {
	log, err := b.activeLog(false)
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, NewError(ErrCodeValidation, "event is required")
	}

	cp := *evt
	cp.Metadata.StreamSequence = 0
	subj := subject.Resolve(cp.Type, cp.Metadata.ChannelType, cp.Metadata.InstanceID)
	return b.append(ctx, log, &cp, subj, "")
}

func (b *Bus) publishEvent(ctx context.Context, log substrate.Log, eventType string, payload any, meta model.Metadata) (*model.PublishResult, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("cannot encode payload of %s", eventType), err)
	}

	res := b.registry.Validate(eventType, data)
	if !res.Success {
		return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("payload of %s rejected", eventType), res.Err)
	}
	if res.Warning != "" {
		b.logger.Warnf("%s", res.Warning)
	}

	evt := &model.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
	if evt.Metadata.CorrelationID == "" {
		evt.Metadata.CorrelationID = evt.ID
	}
	if evt.Metadata.TraceID == "" {
		evt.Metadata.TraceID = evt.ID
	}
	if evt.Metadata.Source == "" {
		evt.Metadata.Source = b.serviceName
	}
	evt.Metadata.StreamSequence = 0

	subj := subject.Resolve(eventType, meta.ChannelType, meta.InstanceID)
	return b.append(ctx, log, evt, subj, evt.ID)
}

func (b *Bus) append(ctx context.Context, log substrate.Log, evt *model.Event, subj, msgID string) (*model.PublishResult, error) {
	streamName := b.StreamFor(evt.Type)
	ctx, end := b.telemetry.StartPublish(ctx, evt.Type, streamName)

	data, err := evt.Marshal()
	if err != nil {
		end(err)
		return nil, NewErrorWithCause(ErrCodeValidation, "cannot encode envelope", err)
	}

	ack, err := log.Publish(ctx, subj, data, msgID)
	end(err)
	if err != nil {
		return nil, fmt.Errorf("publish %s to %s: %w", evt.Type, subj, err)
	}

	if ack.Duplicate {
		b.logger.Debugf("Event %s was already stored (stream=%s, seq=%d)", evt.ID, streamName, ack.Sequence)
	} else {
		b.logger.Debugf("Published %s to %s (stream=%s, seq=%d)", evt.Type, subj, streamName, ack.Sequence)
	}

	return &model.PublishResult{
		ID:       evt.ID,
		Sequence: ack.Sequence,
		Stream:   b.destinationFor(evt.Type),
	}, nil
}

// encodePayload marshals payload to JSON. Pre-encoded json.RawMessage is kept
// as is. A nil payload is rejected since envelopes without one are malformed.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload is required")
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		if string(p) == "null" {
			return nil, fmt.Errorf("payload is required")
		}
		return p, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, fmt.Errorf("payload is required")
	}
	return data, nil
}
