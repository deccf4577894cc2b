package model

import (
	"database/sql"
	"time"
)

// DeadLetterStatus represents the lifecycle state of a dead-letter entry.
type DeadLetterStatus string

const (
	// DeadLetterPending entries wait for the next auto retry or an operator.
	DeadLetterPending DeadLetterStatus = "pending"

	// DeadLetterRetrying entries are being republished right now.
	DeadLetterRetrying DeadLetterStatus = "retrying"

	// DeadLetterResolved entries were handled and need no further action.
	DeadLetterResolved DeadLetterStatus = "resolved"

	// DeadLetterAbandoned entries were given up on by an operator.
	DeadLetterAbandoned DeadLetterStatus = "abandoned"
)

// DeadLetter is the persisted record of an event whose handler failed on
// every allowed delivery. Entries are never deleted; they end resolved or abandoned.
//
// Lifecycle:
//  1. Created pending, with the first auto retry scheduled
//  2. The sweeper moves due entries to retrying and republishes them
//  3. Back to pending with the next slot of the schedule (or none, manual only)
//  4. An operator resolves or abandons the entry
type DeadLetter struct {
	ID        int64  `json:"id" db:"id"`
	EventID   string `json:"eventId" db:"event_id"`
	EventType string `json:"eventType" db:"event_type"`
	Subject   string `json:"subject" db:"subject"`
	Payload   string `json:"payload" db:"payload"` // full original envelope, JSON

	ErrorMessage string         `json:"errorMessage" db:"error_message"`
	ErrorStack   sql.NullString `json:"errorStack" db:"error_stack"`
	RetryCount   int            `json:"retryCount" db:"retry_count"` // redeliveries before dead-lettering

	AutoRetryCount   int            `json:"autoRetryCount" db:"auto_retry_count"` // 0-based
	ManualRetryCount int            `json:"manualRetryCount" db:"manual_retry_count"`
	NextAutoRetryAt  sql.NullTime   `json:"nextAutoRetryAt" db:"next_auto_retry_at"` // NULL = manual only
	LastRetryAt      sql.NullTime   `json:"lastRetryAt" db:"last_retry_at"`
	LastRetryError   sql.NullString `json:"lastRetryError" db:"last_retry_error"`

	Status         DeadLetterStatus `json:"status" db:"status"`
	ResolvedAt     sql.NullTime     `json:"resolvedAt" db:"resolved_at"`
	ResolvedBy     string           `json:"resolvedBy" db:"resolved_by"`
	ResolutionNote string           `json:"resolutionNote" db:"resolution_note"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TableName returns the database table name for DeadLetter.
func (d DeadLetter) TableName() string {
	return tablePrefix + "dead_letters"
}

// IsTerminal reports whether the entry is resolved or abandoned.
func (d *DeadLetter) IsTerminal() bool {
	return d.Status == DeadLetterResolved || d.Status == DeadLetterAbandoned
}

// IsDue reports whether the sweeper should pick the entry up at now.
func (d *DeadLetter) IsDue(now time.Time) bool {
	return d.Status == DeadLetterPending &&
		d.NextAutoRetryAt.Valid &&
		!d.NextAutoRetryAt.Time.After(now)
}

// StartRetry moves a pending entry to retrying.
func (d *DeadLetter) StartRetry(now time.Time) error {
	if d.IsTerminal() {
		return ErrTerminalStatus
	}
	if d.Status == DeadLetterRetrying {
		return ErrAlreadyRetrying
	}
	d.Status = DeadLetterRetrying
	d.LastRetryAt = sql.NullTime{Time: now, Valid: true}
	d.UpdatedAt = now
	return nil
}

// RecoverStaleRetry puts an entry stuck in retrying back to pending once its
// retry started at least staleAfter before now, as happens when the process
// dies mid-retry. The schedule is left untouched. Reports whether it changed.
func (d *DeadLetter) RecoverStaleRetry(now time.Time, staleAfter time.Duration) bool {
	if d.Status != DeadLetterRetrying {
		return false
	}
	started := d.UpdatedAt
	if d.LastRetryAt.Valid {
		started = d.LastRetryAt.Time
	}
	if now.Sub(started) < staleAfter {
		return false
	}
	d.Status = DeadLetterPending
	d.LastRetryError = sql.NullString{String: "retry interrupted", Valid: true}
	d.UpdatedAt = now
	return true
}

// CompleteAutoRetry records a successful automatic republish and schedules the next slot.
// A nil next means no more automatic retries.
func (d *DeadLetter) CompleteAutoRetry(now time.Time, next *time.Time) {
	d.AutoRetryCount++
	d.NextAutoRetryAt = nullTime(next)
	d.LastRetryError = sql.NullString{}
	d.Status = DeadLetterPending
	d.UpdatedAt = now
}

// CompleteManualRetry records a successful operator-triggered republish.
func (d *DeadLetter) CompleteManualRetry(now time.Time) {
	d.ManualRetryCount++
	d.LastRetryError = sql.NullString{}
	d.Status = DeadLetterPending
	d.UpdatedAt = now
}

// FailRetry puts the entry back to pending after a failed republish.
// The schedule is left untouched.
func (d *DeadLetter) FailRetry(now time.Time, err error) {
	d.Status = DeadLetterPending
	if err != nil {
		d.LastRetryError = sql.NullString{String: err.Error(), Valid: true}
	}
	d.UpdatedAt = now
}

// Resolve marks the entry as handled by an operator.
//
// Parameters:
//   - resolvedBy: Username/system that resolved the item
//   - note: Explanation of the resolution action taken
func (d *DeadLetter) Resolve(resolvedBy, note string) error {
	return d.finish(DeadLetterResolved, resolvedBy, note)
}

// Abandon gives up on the entry; it stays for audit but is never retried again.
func (d *DeadLetter) Abandon(abandonedBy, note string) error {
	return d.finish(DeadLetterAbandoned, abandonedBy, note)
}

func (d *DeadLetter) finish(status DeadLetterStatus, by, note string) error {
	if d.IsTerminal() {
		return ErrTerminalStatus
	}
	now := time.Now()
	d.Status = status
	d.NextAutoRetryAt = sql.NullTime{}
	d.ResolvedAt = sql.NullTime{Time: now, Valid: true}
	d.ResolvedBy = by
	d.ResolutionNote = note
	d.UpdatedAt = now
	return nil
}

// GetAge returns how long the entry has existed.
func (d *DeadLetter) GetAge() time.Duration {
	return time.Since(d.CreatedAt)
}

// IsOld checks if the entry is older than the threshold and still needs attention.
func (d *DeadLetter) IsOld(threshold time.Duration) bool {
	return !d.IsTerminal() && d.GetAge() > threshold
}

// DeadLetterStats represents aggregate statistics for the dead-letter table.
type DeadLetterStats struct {
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Retrying  int       `json:"retrying"`
	Resolved  int       `json:"resolved"`
	Abandoned int       `json:"abandoned"`
	Scheduled int       `json:"scheduled"` // pending with an auto retry still ahead
	Updated   time.Time `json:"updated"`
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
