package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests move past the reset timeout without sleeping
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", maxFailures, time.Second)
	cb.now = clock.now
	return cb, clock
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.RecordResult(false)
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.State())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	failN(cb, 2)
	if cb.State() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)

	failN(cb, 2)
	cb.RecordResult(true)
	failN(cb, 2)

	if cb.State() != StateClosed {
		t.Error("Expected interleaved success to keep the circuit Closed")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(3)
	failN(cb, 3)

	clock.advance(500 * time.Millisecond)
	if cb.allowRequest() {
		t.Fatal("Expected request to be rejected before the reset timeout")
	}

	clock.advance(600 * time.Millisecond)
	if !cb.allowRequest() {
		t.Fatal("Expected probe to be allowed after the reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be HalfOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.RecordResult(false)
	clock.advance(2 * time.Second)

	for i := 0; i < 3; i++ {
		if !cb.allowRequest() {
			t.Fatalf("Expected probe %d to be allowed", i+1)
		}
	}
	if cb.allowRequest() {
		t.Error("Expected fourth concurrent probe to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb, clock := newTestBreaker(3)
	failN(cb, 3)
	clock.advance(2 * time.Second)

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("Probe %d failed: %v", i+1, err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected state to be Closed after successes in HalfOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(3)
	failN(cb, 3)
	clock.advance(2 * time.Second)

	_ = cb.Call(func() error { return errors.New("still down") })

	if cb.State() != StateOpen {
		t.Errorf("Expected state to be Open after failure in HalfOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected protected function not to run while open")
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Error("Expected caller cancellation to leave the circuit Closed")
	}
}

func TestCircuitBreaker_Observer(t *testing.T) {
	var states []CircuitState
	failures := 0
	cb, _ := newTestBreaker(2)
	cb.WithObserver(func(name string, state CircuitState, failed bool) {
		if name != "test" {
			t.Errorf("Expected observer name test, got %s", name)
		}
		states = append(states, state)
		if failed {
			failures++
		}
	})

	cb.RecordResult(true)
	failN(cb, 2)

	want := []CircuitState{StateClosed, StateClosed, StateOpen}
	if len(states) != len(want) {
		t.Fatalf("Expected %d observations, got %d", len(want), len(states))
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Observation %d: expected %s, got %s", i, want[i], states[i])
		}
	}
	if failures != 2 {
		t.Errorf("Expected 2 failed observations, got %d", failures)
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	requests, failures, rate := cb.Stats()
	if requests != 3 {
		t.Errorf("Expected 3 requests, got %d", requests)
	}
	if failures != 1 {
		t.Errorf("Expected 1 failure, got %d", failures)
	}
	if rate < 33.0 || rate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", rate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(3)
	failN(cb, 3)
	if cb.State() != StateOpen {
		t.Fatal("Expected circuit to be Open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Error("Expected state to be Closed after reset")
	}
	if !cb.allowRequest() {
		t.Error("Expected requests to flow after reset")
	}
}
