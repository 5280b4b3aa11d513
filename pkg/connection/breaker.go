package connection

import "time"

// DefaultBreakerCooldown is how long an open breaker rejects attempts.
const DefaultBreakerCooldown = 30 * time.Second

// BreakerState is the circuit breaker position.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops connect attempts after a connect walk failed
// completely. It is not safe for concurrent use; the manager guards it.
// Its state is never persisted.
type CircuitBreaker struct {
	state    BreakerState
	openedAt time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewCircuitBreaker creates a closed breaker. now defaults to time.Now.
func NewCircuitBreaker(cooldown time.Duration, now func() time.Time) *CircuitBreaker {
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cooldown: cooldown, now: now}
}

// State returns the breaker position.
func (b *CircuitBreaker) State() BreakerState { return b.state }

// OpenedAt returns when the breaker last opened.
func (b *CircuitBreaker) OpenedAt() time.Time { return b.openedAt }

// ShouldAllow reports whether an attempt may run. force always allows.
// An open breaker whose cooldown elapsed moves to half-open and allows the
// single probe.
func (b *CircuitBreaker) ShouldAllow(force bool) bool {
	if force {
		return true
	}
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		return true
	default:
		return true
	}
}

// RecordFailure opens the breaker. An already open breaker keeps its
// original opening time.
func (b *CircuitBreaker) RecordFailure() {
	if b.state == BreakerOpen {
		return
	}
	b.state = BreakerOpen
	b.openedAt = b.now()
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.state = BreakerClosed
	b.openedAt = time.Time{}
}
