package crawler

import (
	"fmt"
	"math"
	"time"
)

// FailureMode decides what a terminal (non-200, non-403) status produces.
type FailureMode string

// Supported failure modes.
const (
	// FailureModeSkip returns a skipped result with no error.
	FailureModeSkip FailureMode = "skip"
	// FailureModeRaise returns an HTTPStatusError.
	FailureModeRaise FailureMode = "raise"
)

// ParseFailureMode resolves a configured failure mode.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailureModeSkip, "":
		return FailureModeSkip, nil
	case FailureModeRaise:
		return FailureModeRaise, nil
	default:
		return "", fmt.Errorf("unknown failure mode %q", s)
	}
}

// ExponentialBackoff yields unit * base^attempt, capped at max. There is no
// jitter, so delays are non-decreasing in attempt.
type ExponentialBackoff struct {
	base float64
	unit time.Duration
	max  time.Duration
}

// NewExponentialBackoff builds a backoff; base below 1 is treated as 1 and a
// zero max disables the cap.
func NewExponentialBackoff(base float64, unit, maxDelay time.Duration) ExponentialBackoff {
	if base < 1 {
		base = 1
	}
	if unit < 0 {
		unit = 0
	}
	return ExponentialBackoff{base: base, unit: unit, max: maxDelay}
}

// DefaultBackoff mirrors 2^attempt seconds, capped at one minute.
func DefaultBackoff() ExponentialBackoff {
	return NewExponentialBackoff(2, time.Second, time.Minute)
}

// Delay returns the wait before retrying after the given zero-based attempt.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.unit) * math.Pow(b.base, float64(attempt))
	if b.max > 0 && delay > float64(b.max) {
		return b.max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
