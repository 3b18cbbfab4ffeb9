package fetch

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/doorhub/internal/config"
)

// BreakerState is the state of one upstream host's circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets requests through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
	// BreakerOpen rejects requests until the open timeout elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects requests.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the number of calls a window needs before the error
// rate can trip the breaker.
const minErrorRateSamples = 10

// CircuitBreaker trips on consecutive failures or on the error rate within a
// tumbling window. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(BreakerState)

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int
}

// NewCircuitBreaker creates a breaker from cfg. Zero thresholds fall back to
// 5 failures, 2 successes and a 30s open timeout. onChange, if non-nil, is
// called with the lock held whenever the state changes.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		now:                time.Now,
		onChange:           onChange,
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a request that reached the upstream and got a
// non-server-error answer.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
			cb.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a transport fault or a 5xx answer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.failureThreshold || cb.errorRateExceeded() {
			cb.openedAt = cb.now()
			cb.resetWindow()
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.setState(BreakerOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// ErrorRate returns the error rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

// Lock must be held by the callers of the helpers below.

func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.successes = 0
		cb.setState(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.errorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.errorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.errorRateWindow {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.errorRateThreshold <= 0 || cb.errorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.errorRateThreshold
}
