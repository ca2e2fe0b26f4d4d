package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBreaker(t *testing.T, cfg Config) (*RedisBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "completion", cfg), mr
}

func TestRedisBreakerOpensAndRejects(t *testing.T) {
	b, _ := newRedisBreaker(t, Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	trip(t, b, 2)
	if got := b.State(context.Background()); got != Open {
		t.Fatalf("state = %s, want OPEN", got)
	}
	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("wrapped function must not run while OPEN")
	}
}

func TestRedisBreakerSharedAcrossClients(t *testing.T) {
	b1, mr := newRedisBreaker(t, Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client2.Close() })
	b2 := NewRedis(client2, "completion", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	// One failure from each process crosses the shared threshold.
	trip(t, b1, 1)
	trip(t, b2, 1)
	if got := b1.State(context.Background()); got != Open {
		t.Fatalf("b1 state = %s, want OPEN", got)
	}
	if err := b2.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("b2 err = %v, want ErrCircuitOpen", err)
	}
}

func TestRedisBreakerRecoveryCloses(t *testing.T) {
	b, _ := newRedisBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		SuccessThreshold: 2,
	})
	trip(t, b, 1)
	time.Sleep(50 * time.Millisecond)
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(context.Background()); got != Closed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestRedisBreakerHalfOpenFailureReopens(t *testing.T) {
	b, _ := newRedisBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})
	trip(t, b, 1)
	time.Sleep(50 * time.Millisecond)
	trip(t, b, 1)
	if got := b.State(context.Background()); got != Open {
		t.Fatalf("state = %s, want OPEN after failed probe", got)
	}
}

func TestRedisBreakerFallsBackWhenRedisDown(t *testing.T) {
	b, mr := newRedisBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	mr.Close()
	// Scripts now fail; the in-process fallback still enforces the policy.
	trip(t, b, 1)
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen from fallback", err)
	}
}
