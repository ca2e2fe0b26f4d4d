package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream boom")

func failing(context.Context) error { return errUpstream }
func succeeding(context.Context) error { return nil }

func trip(t *testing.T, b Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Call(context.Background(), failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v, want upstream error", i, err)
		}
	}
}

func TestInMemoryBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := NewInMemory(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	trip(t, b, 2)
	if got := b.State(context.Background()); got != Closed {
		t.Fatalf("state = %s, want CLOSED before threshold", got)
	}
	trip(t, b, 1)
	if got := b.State(context.Background()); got != Open {
		t.Fatalf("state = %s, want OPEN at threshold", got)
	}
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while OPEN", err)
	}
}

func TestInMemoryBreakerRecoverySequence(t *testing.T) {
	t.Parallel()
	b := NewInMemory(Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond, SuccessThreshold: 2})
	trip(t, b, 1)
	if got := b.State(context.Background()); got != Open {
		t.Fatalf("state = %s, want OPEN", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := b.State(context.Background()); got != HalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after recovery window", got)
	}
	// First probe succeeds but one success is below the threshold.
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if got := b.State(context.Background()); got != HalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after one success", got)
	}
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(context.Background()); got != Closed {
		t.Fatalf("state = %s, want CLOSED after success threshold", got)
	}
}

func TestInMemoryBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewInMemory(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	trip(t, b, 1)
	time.Sleep(20 * time.Millisecond)
	trip(t, b, 1) // probe fails
	if got := b.State(context.Background()); got != Open {
		t.Fatalf("state = %s, want OPEN after failed probe", got)
	}
	// The timer restarted; an immediate call is still rejected.
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen immediately after reopen", err)
	}
}

func TestInMemoryBreakerLimitsProbes(t *testing.T) {
	t.Parallel()
	b := NewInMemory(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 2, MaxProbes: 1})
	trip(t, b, 1)
	time.Sleep(20 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	// The single probe slot is taken; a second caller is rejected.
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while probe in flight", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestInMemoryBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewInMemory(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	trip(t, b, 1)
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("success: %v", err)
	}
	trip(t, b, 1)
	// One failure after a success: the streak restarted, still CLOSED.
	if got := b.State(context.Background()); got != Closed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}
