// Package backoff decides when an operation in retry may be attempted again.
package backoff

import "time"

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 10 * time.Minute
)

// Policy is exponential backoff: BaseDelay * 2^retryCount, capped at MaxDelay.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func NewPolicy(base, max time.Duration) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	return Policy{BaseDelay: base, MaxDelay: max}
}

// Delay returns the wait that follows retryCount failed attempts.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		// doubling past the cap would overflow for large counts
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NextEligibleAt is the earliest time a retry may run. A zero lastAttempt means never attempted.
func (p Policy) NextEligibleAt(retryCount int, lastAttempt time.Time) time.Time {
	if lastAttempt.IsZero() {
		return lastAttempt
	}
	return lastAttempt.Add(p.Delay(retryCount))
}

// Eligible reports whether now has reached the next eligible time.
func (p Policy) Eligible(retryCount int, lastAttempt, now time.Time) bool {
	return !now.Before(p.NextEligibleAt(retryCount, lastAttempt))
}
