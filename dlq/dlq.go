// Package dlq isolates events whose handlers failed on every allowed delivery.
//
// The consumer engine hands failed events to PrepareInsert, persists the row
// through a Store and announces it with CreateSystemPayload. Service then owns
// the row: the sweeper republishes due entries on DefaultAutoRetrySchedule and
// operators retry, resolve or abandon them by hand.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/retry"
)

// DefaultAutoRetrySchedule is the delay before each automatic retry. After the
// last slot an entry is left for manual handling.
var DefaultAutoRetrySchedule = retry.Schedule{time.Hour, 6 * time.Hour, 24 * time.Hour}

// CalculateNextAutoRetryAt returns when the given 0-based auto retry is due, or nil
// once the schedule is exhausted.
func CalculateNextAutoRetryAt(attempt int, now time.Time) *time.Time {
	return DefaultAutoRetrySchedule.Next(attempt, now)
}

// Store persists dead-letter rows. Rows are never deleted.
type Store interface {
	// Insert stores a new row. entry.ID is assigned by the caller.
	Insert(ctx context.Context, entry *model.DeadLetter) error
	Update(ctx context.Context, entry *model.DeadLetter) error
	Load(ctx context.Context, id int64) (model.DeadLetter, error)

	// FindDueForRetry returns pending rows with next_auto_retry_at <= now, oldest first.
	FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]model.DeadLetter, error)
	// FindByStatus returns rows with the given status, newest first.
	FindByStatus(ctx context.Context, status model.DeadLetterStatus, limit int) ([]model.DeadLetter, error)
	GetStats(ctx context.Context) (model.DeadLetterStats, error)
}

// Publisher re-appends an existing envelope to the log.
type Publisher interface {
	Republish(ctx context.Context, evt *model.Event) (*model.PublishResult, error)
}

// PrepareInsert shapes the row for an event that exhausted its deliveries.
// The stack is captured from %+v formatting when the error carries more detail
// than its message.
func PrepareInsert(evt *model.Event, subject string, cause error, retryCount int) (model.DeadLetter, error) {
	envelope, err := evt.Marshal()
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("dlq: encoding event %s: %w", evt.ID, err)
	}

	now := time.Now()
	entry := model.DeadLetter{
		EventID:    evt.ID,
		EventType:  evt.Type,
		Subject:    subject,
		Payload:    string(envelope),
		RetryCount: retryCount,
		Status:     model.DeadLetterPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if cause != nil {
		entry.ErrorMessage = cause.Error()
		if detail := fmt.Sprintf("%+v", cause); detail != entry.ErrorMessage {
			entry.ErrorStack.String = detail
			entry.ErrorStack.Valid = true
		}
	}

	if next := CalculateNextAutoRetryAt(0, now); next != nil {
		entry.NextAutoRetryAt.Time = *next
		entry.NextAutoRetryAt.Valid = true
	}
	return entry, nil
}

// CreateSystemPayload builds the system.dead_letter notification for a stored row.
func CreateSystemPayload(id int64, entry model.DeadLetter) model.DeadLetterNotice {
	notice := model.DeadLetterNotice{
		DeadLetterID:      id,
		OriginalEventID:   entry.EventID,
		OriginalEventType: entry.EventType,
		Error:             entry.ErrorMessage,
		RetryCount:        entry.RetryCount,
		Timestamp:         time.Now().UnixMilli(),
	}
	if entry.NextAutoRetryAt.Valid {
		ms := entry.NextAutoRetryAt.Time.UnixMilli()
		notice.NextAutoRetryAt = &ms
	}
	return notice
}

// DecodeEvent restores the original envelope stored in a row.
func DecodeEvent(entry model.DeadLetter) (*model.Event, error) {
	evt, err := model.ParseEnvelope([]byte(entry.Payload))
	if err != nil {
		return nil, fmt.Errorf("dlq: decoding envelope of entry %d: %w", entry.ID, err)
	}
	return evt, nil
}
