// Package resilience keeps moss talking when a speech or language backend
// misbehaves. [CircuitBreaker] stops calling a backend that keeps failing and
// lets a few trials through once it has had time to recover. [FallbackGroup]
// puts a breaker in front of each configured backend and walks them in order.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling a backend whose breaker is
// open, or whose half-open trial slots are all taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until ResetTimeout has passed since it opened.
	StateOpen
	// StateHalfOpen admits up to HalfOpenMax trials. One failed trial opens
	// the breaker again; HalfOpenMax successful ones close it.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels log records, usually the provider name.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trials admitted, and the number of trial
	// successes needed to close. Default: 3.
	HalfOpenMax int
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	return c
}

// CircuitBreaker is a closed/open/half-open breaker around one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64 // bumped on every transition; stale outcomes are dropped
	failures int
	openedAt time.Time
	trials   int // half-open slots handed out
	passed   int // half-open trials that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn when the breaker admits it and records the outcome.
// A context.Canceled error from fn is passed through without counting.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Allow admits one call whose outcome arrives later, for example a stream
// that may fail after it was opened. Unless it returns [ErrCircuitOpen], the
// caller reports the outcome through done; extra calls to done are ignored.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return nil, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	}
	trial := cb.state == StateHalfOpen
	if trial {
		if cb.trials >= cb.cfg.HalfOpenMax {
			return nil, ErrCircuitOpen
		}
		cb.trials++
	}

	epoch := cb.epoch
	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.report(epoch, trial, err) })
	}, nil
}

func (cb *CircuitBreaker) report(epoch uint64, trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if epoch != cb.epoch {
		return
	}
	switch {
	case errors.Is(err, context.Canceled):
		if trial {
			cb.trials--
		}
	case err != nil && trial:
		cb.moveTo(StateOpen)
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.moveTo(StateOpen)
		}
	case trial:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// moveTo switches state and clears the counters. cb.mu must be held.
func (cb *CircuitBreaker) moveTo(next State) {
	prev := cb.state
	cb.state = next
	cb.epoch++
	cb.failures, cb.trials, cb.passed = 0, 0, 0
	if next == StateOpen {
		cb.openedAt = cb.now()
	}

	level := slog.LevelInfo
	if next == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", cb.cfg.Name, "from", prev.String(), "to", next.String())
}

// State reports the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets outstanding calls.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
}
