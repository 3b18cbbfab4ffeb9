package fetch

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/doorhub/internal/config"
)

// fakeClock drives a breaker's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*CircuitBreaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []BreakerState
	cb := NewCircuitBreaker(cfg, func(s BreakerState) { changes = append(changes, s) })
	cb.now = clock.now
	cb.windowStart = clock.now()
	return cb, clock, &changes
}

func TestCircuitBreaker_startsClosedPassesThrough(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _, changes := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() error = %v, want ErrBreakerOpen", err)
	}
	if len(*changes) != 1 || (*changes)[0] != BreakerOpen {
		t.Errorf("state changes = %v, want [open]", *changes)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenAfterTimeout(t *testing.T) {
	cb, clock, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	})

	cb.RecordFailure()
	clock.advance(5 * time.Second)
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow() before timeout should fail")
	}

	clock.advance(6 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout error = %v", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 probe success = %v, want half-open", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 probe successes = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clock, changes := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	cb.RecordFailure()
	clock.advance(2 * time.Second)
	cb.Allow()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen}
	if len(*changes) != len(want) {
		t.Fatalf("state changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, (*changes)[i], want[i])
		}
	}
}

func TestCircuitBreaker_defaultValues(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{}, nil)
	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.successThreshold != 2 {
		t.Errorf("successThreshold = %d, want 2", cb.successThreshold)
	}
	if cb.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cb.timeout)
	}
}

func TestCircuitBreaker_errorRateTripsBreaker(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	if s := cb.State(); s != BreakerClosed {
		t.Fatalf("state with 9 samples = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at 6/10 failures = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateWindowExpiry(t *testing.T) {
	cb, clock, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	cb.RecordFailure()
	cb.RecordSuccess()
	if rate, total := cb.ErrorRate(); total != 2 || rate != 0.5 {
		t.Errorf("ErrorRate() = %v/%d, want 0.5/2", rate, total)
	}

	clock.advance(2 * time.Minute)
	if rate, total := cb.ErrorRate(); total != 0 || rate != 0 {
		t.Errorf("ErrorRate() after window = %v/%d, want 0/0", rate, total)
	}
}

func TestBreakerState_String(t *testing.T) {
	cases := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(99): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
