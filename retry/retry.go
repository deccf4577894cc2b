// Package retry provides the exponential backoff used for redelivery and
// connection attempts, and the fixed schedule used for dead-letter auto retries.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the relative spread applied by CalculateBackoffDelay (±10%).
const JitterFraction = 0.1

// Strategy defines capped exponential backoff with an attempt ceiling.
//
// The retry schedule follows: delay = min(BaseDelay * ExponentialBase^attempt, MaxDelay)
//
// Example with DefaultConnectStrategy (500ms base, 2.0 exponential, 30s max):
//
//	Attempt 0: 500ms
//	Attempt 1: 1s
//	Attempt 2: 2s
//	Attempt 3: 4s
//	...
//	Attempt 6+: 30s
type Strategy struct {
	MaxAttempts     int           // Attempts before giving up
	BaseDelay       time.Duration // Delay after the first failed attempt
	MaxDelay        time.Duration // Delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
}

// DefaultConnectStrategy is used while establishing the log connection.
func DefaultConnectStrategy() Strategy {
	return Strategy{
		MaxAttempts:     10,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// CalculateRetryDelay returns the delay to wait after the given 0-based attempt failed.
// Formula: delay = min(BaseDelay * ExponentialBase^attemptNumber, MaxDelay)
func (s Strategy) CalculateRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber <= 0 {
		return s.BaseDelay
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attemptNumber))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}

	return time.Duration(delay)
}

// IsRetryable checks if another attempt is allowed after attemptCount attempts.
func (s Strategy) IsRetryable(attemptCount int) bool {
	return attemptCount < s.MaxAttempts
}

// GetRetrySchedule returns a human-readable representation of the retry schedule.
func (s Strategy) GetRetrySchedule() string {
	schedule := "Retry Schedule:\n"
	for i := 0; i < s.MaxAttempts; i++ {
		schedule += fmt.Sprintf("  Attempt %d: after %v\n", i+1, s.CalculateRetryDelay(i))
	}
	return schedule + "  → Give up\n"
}

// CalculateBackoffDelay returns base*2^retryCount with ±10% jitter, never above ceiling.
// retryCount is 0 for the first redelivery.
func CalculateBackoffDelay(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	raw := float64(base) * math.Pow(2, float64(retryCount))
	jittered := raw * (1 - JitterFraction + 2*JitterFraction*rand.Float64())

	if ceiling > 0 && jittered >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(jittered)
}

// Schedule is a fixed list of delays indexed by 0-based attempt number.
type Schedule []time.Duration

// Next returns from plus the delay for attempt, or nil once the schedule is exhausted.
func (s Schedule) Next(attempt int, from time.Time) *time.Time {
	if attempt < 0 || attempt >= len(s) {
		return nil
	}
	t := from.Add(s[attempt])
	return &t
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
