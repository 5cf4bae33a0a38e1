// Package breaker gates remote calls after sustained infrastructure failures.
//
// State lives in memory only and resets with the process. Callers record only
// infrastructure-level failures; payload or conflict failures mean the remote is
// healthy and must not be fed here.
package breaker

import (
	"sync"
	"time"

	v1 "ledgersync/pkg/api/v1"
)

const (
	DefaultThreshold = 5
	DefaultCoolDown  = 30 * time.Second
)

type Config struct {
	Threshold int
	CoolDown  time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// OnStateChange is called with the lock released.
	OnStateChange func(from, to v1.BreakerState)
}

type Breaker struct {
	mu sync.Mutex

	threshold int
	coolDown  time.Duration
	now       func() time.Time
	onChange  func(from, to v1.BreakerState)

	state    v1.BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		now:       cfg.Now,
		onChange:  cfg.OnStateChange,
		state:     v1.BreakerClosed,
	}
}

// Allow reports whether a remote call may be made now. An open breaker whose
// cool-down has elapsed moves to half_open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to v1.BreakerState
	allowed := false

	switch b.state {
	case v1.BreakerClosed:
		allowed = true
	case v1.BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.coolDown {
			from, to = b.state, v1.BreakerHalfOpen
			b.state = v1.BreakerHalfOpen
			b.probing = true
			allowed = true
		}
	case v1.BreakerHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// Permits reports whether Allow would admit a call, without taking the half-open probe.
func (b *Breaker) Permits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case v1.BreakerOpen:
		return b.now().Sub(b.openedAt) >= b.coolDown
	case v1.BreakerHalfOpen:
		return !b.probing
	}
	return true
}

// Abandon hands back a call admitted by Allow that produced no verdict on remote
// health, so a half-open breaker can admit another probe.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == v1.BreakerHalfOpen {
		b.probing = false
	}
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var from, to v1.BreakerState
	b.failures = 0
	b.probing = false
	if b.state != v1.BreakerClosed {
		from, to = b.state, v1.BreakerClosed
		b.state = v1.BreakerClosed
	}
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure counts one infrastructure failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var from, to v1.BreakerState
	b.failures++

	switch b.state {
	case v1.BreakerHalfOpen:
		from, to = b.state, v1.BreakerOpen
		b.trip()
	case v1.BreakerClosed:
		if b.failures >= b.threshold {
			from, to = b.state, v1.BreakerOpen
			b.trip()
		}
	case v1.BreakerOpen:
		// a call admitted before the trip reported late; restart the cool-down
		b.openedAt = b.now()
	}
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) trip() {
	b.state = v1.BreakerOpen
	b.openedAt = b.now()
	b.probing = false
}

// State returns the current state without side effects.
func (b *Breaker) State() v1.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) notify(from, to v1.BreakerState) {
	if to == "" || from == to || b.onChange == nil {
		return
	}
	b.onChange(from, to)
}
