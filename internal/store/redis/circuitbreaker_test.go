package redis

import (
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, 10*time.Second)
	cb.now = clk.now
	return cb, clk
}

var errFail = errors.New("connection refused")

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected Closed, got %v", cb.CurrentState())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("expected rejection without calling fn, got err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_MissingKeyIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(1)
	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return goredis.Nil }); err != goredis.Nil {
			t.Fatalf("expected redis.Nil passthrough, got %v", err)
		}
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("redis.Nil must not trip the breaker, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(2)
	var transitions []State
	cb.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	clk.advance(11 * time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected trial request to succeed, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful trial request, got %v", cb.CurrentState())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(2)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	clk.advance(11 * time.Second)
	cb.Execute(func() error { return errFail })
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed trial request, got %v", cb.CurrentState())
	}

	clk.advance(time.Second)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected reopened breaker to reject, got %v", err)
	}
}

func TestCircuitBreaker_SingleTrialRequest(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.Execute(func() error { return errFail })
	clk.advance(11 * time.Second)

	inTrial := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error {
			close(inTrial)
			<-release
			return nil
		})
	}()

	<-inTrial
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second caller during the trial request should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial request: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed (counter should have reset), got %v", cb.CurrentState())
	}
}
