package eventbus

import (
	"context"
	"errors"

	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/payload"
)

// deadLetter records an event that exhausted its retries and announces it on
// system.dead_letter. Failures are logged; the delivery is terminated either way.
// A dead-lettered notice is stored but not announced again.
func (b *Bus) deadLetter(ctx context.Context, evt *model.Event, subj string, cause error, retryCount int) {
	entry, err := dlq.PrepareInsert(evt, subj, cause, retryCount)
	if err != nil {
		b.logger.Errorf("Failed to prepare dead letter for event %s: %v", evt.ID, err)
		return
	}
	entry.ID = b.ids.Next()

	if err := b.deadLetters.Insert(ctx, &entry); err != nil {
		b.logger.Errorf("Failed to persist dead letter for event %s: %v", evt.ID, err)
	} else {
		b.logger.Warnf("Moved event %s (%s) to DLQ (dlq_id=%d, retries=%d): %s",
			evt.ID, evt.Type, entry.ID, retryCount, entry.ErrorMessage)
	}

	if evt.Type != string(model.EventDeadLetter) {
		b.announceDeadLetter(ctx, evt, entry)
	}

	if b.payloads != nil {
		_, err := b.payloads.Capture(ctx, evt.ID, evt.Type, model.StageError, evt)
		if err != nil && !errors.Is(err, payload.ErrStageDisabled) {
			b.logger.Warnf("Failed to capture payload of dead-lettered event %s: %v", evt.ID, err)
		}
	}

	b.telemetry.RecordDeadLetter(ctx, evt.Type)

	if err := b.notifications.NotifyDeadLetter(ctx, entry); err != nil {
		b.logger.Warnf("Failed to send DLQ notification: %v", err)
	}
}

func (b *Bus) announceDeadLetter(ctx context.Context, evt *model.Event, entry model.DeadLetter) {
	notice := dlq.CreateSystemPayload(entry.ID, entry)
	meta := model.Metadata{
		CorrelationID: evt.Metadata.CorrelationID,
		TraceID:       evt.Metadata.TraceID,
	}
	log, err := b.activeLog(true)
	if err == nil {
		_, err = b.publishEvent(ctx, log, string(model.EventDeadLetter), notice, meta)
	}
	if err != nil {
		b.logger.Errorf("Failed to publish dead letter notice for event %s: %v", evt.ID, err)
	}
}
