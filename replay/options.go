// Package replay re-publishes historical events from the durable log.
//
// A replay session selects events by time window, type and instance, merges
// the matching streams by event timestamp and either counts them (dry run) or
// republishes them unchanged. Sessions run in the background and can be
// paused, resumed and cancelled.
package replay

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Options selects the events of a session.
type Options struct {
	Since time.Time  `json:"since"`
	Until *time.Time `json:"until,omitempty"`

	// EventTypes restricts the replay to these types. Empty means every
	// stream except SYSTEM.
	EventTypes []string `json:"eventTypes,omitempty"`
	InstanceID string   `json:"instanceId,omitempty"`
	Limit      *int     `json:"limit,omitempty"`

	// SpeedMultiplier scales the original gaps between events: 1 is real
	// time, 2 twice as fast. nil or 0 replays without delay.
	SpeedMultiplier *float64 `json:"speedMultiplier,omitempty"`

	// SkipProcessed skips events the processed-event store already knows.
	SkipProcessed bool `json:"skipProcessed"`
	DryRun        bool `json:"dryRun"`
}

// ValidationResult reports whether options can start a session.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationError is returned by Start for invalid options.
type ValidationError struct {
	Result ValidationResult
	Err    error
}

func (e *ValidationError) Error() string {
	return "invalid replay options: " + e.Result.Error
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks options before anything is read.
func Validate(opts Options) ValidationResult {
	if err := opts.validate(); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

func (o Options) validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Since, validation.Required.Error("is required")),
		validation.Field(&o.Until, validation.By(o.untilAfterSince)),
		validation.Field(&o.Limit, validation.NilOrNotEmpty.Error("must be positive"), validation.Min(1).Error("must be positive")),
		validation.Field(&o.SpeedMultiplier, validation.Min(0.0).Error("must not be negative")),
	)
}

func (o Options) untilAfterSince(value interface{}) error {
	until, _ := value.(*time.Time)
	if until == nil || o.Since.IsZero() {
		return nil
	}
	if !until.After(o.Since) {
		return errors.New("must be after since")
	}
	return nil
}

// EstimateCompletion extrapolates the finish time from the processing rate so
// far. Returns nil until at least one event was processed.
func EstimateCompletion(p Progress, now time.Time) *time.Time {
	if p.Processed <= 0 || p.StartedAt.IsZero() {
		return nil
	}
	elapsed := now.Sub(p.StartedAt)
	if elapsed <= 0 {
		return nil
	}

	remaining := p.Total - p.Processed
	if remaining < 0 {
		remaining = 0
	}
	rate := float64(p.Processed) / float64(elapsed)
	eta := now.Add(time.Duration(float64(remaining) / rate))
	return &eta
}
