// Package middleware implements the resilience primitives the gateway
// wraps around every outbound call — tool invocations and LLM requests
// alike — composed in a fixed order by Pipeline (spec.md §4.2).
package middleware

import (
	"sync"
	"time"
)

// CircuitState is one point in a breaker's Closed/Open/HalfOpen cycle.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// breakerEntry is the mutable state tracked for one endpoint.
type breakerEntry struct {
	mu             sync.Mutex
	state          CircuitState
	failures       int
	openedAt       time.Time
	halfOpenInUse  bool
}

// CircuitBreaker trips per-endpoint after a run of consecutive failures and
// admits exactly one probe call once its recovery timeout elapses.
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	nowFn            func() time.Time

	mu       sync.Mutex
	entries  map[string]*breakerEntry
}

// NewCircuitBreaker builds a breaker with the given thresholds. Pass zero
// values to take the spec defaults (5 failures, 60s recovery).
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = defaultRecoveryTimeout
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		nowFn:            time.Now,
		entries:          make(map[string]*breakerEntry),
	}
}

func (c *CircuitBreaker) entryFor(endpoint string) *breakerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[endpoint]
	if !ok {
		e = &breakerEntry{state: CircuitClosed}
		c.entries[endpoint] = e
	}
	return e
}

// Allow reports whether a call to endpoint may proceed right now, and
// reserves the single half-open probe slot if this call is it.
func (c *CircuitBreaker) Allow(endpoint string) bool {
	e := c.entryFor(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if c.nowFn().Sub(e.openedAt) >= c.recoveryTimeout {
			e.state = CircuitHalfOpen
			e.halfOpenInUse = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if e.halfOpenInUse {
			return false
		}
		e.halfOpenInUse = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (c *CircuitBreaker) RecordSuccess(endpoint string) {
	e := c.entryFor(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = CircuitClosed
	e.failures = 0
	e.halfOpenInUse = false
}

// RecordFailure counts a failure and trips the breaker to open once the
// threshold is reached, or immediately on a half-open probe's failure.
func (c *CircuitBreaker) RecordFailure(endpoint string) {
	e := c.entryFor(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == CircuitHalfOpen {
		e.state = CircuitOpen
		e.openedAt = c.nowFn()
		e.halfOpenInUse = false
		return
	}

	e.failures++
	if e.failures >= c.failureThreshold {
		e.state = CircuitOpen
		e.openedAt = c.nowFn()
	}
}

// State reports the current state of the given endpoint's breaker,
// primarily for tests and diagnostics.
func (c *CircuitBreaker) State(endpoint string) CircuitState {
	e := c.entryFor(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
