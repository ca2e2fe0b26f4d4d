package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// States.
const (
	Closed   = "CLOSED"
	Open     = "OPEN"
	HalfOpen = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Call without invoking the wrapped function.
// Callers substitute a fallback response; this error never reaches end users.
var ErrCircuitOpen = errors.New("circuit open")

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// MaxProbes bounds concurrent trial calls while HALF_OPEN.
	MaxProbes int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 1
	}
	return c
}

// Breaker guards calls to one logical upstream. State is keyed by breaker
// name and, for the redis implementation, shared across all processes.
type Breaker interface {
	// Call runs fn unless the circuit is OPEN. The outcome of fn is
	// recorded as a success or failure against the shared state.
	Call(ctx context.Context, fn func(context.Context) error) error
	// State reports the current state for observability.
	State(ctx context.Context) string
}

// InMemoryBreaker keeps breaker state in-process. Used when redis is
// unavailable; correctness holds per worker rather than fleet-wide.
type InMemoryBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     string
	fails     int
	succs     int
	probes    int
	changedAt time.Time
}

func NewInMemory(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{cfg: cfg.withDefaults(), state: Closed}
}

func (b *InMemoryBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.acquire(time.Now()) {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	b.record(time.Now(), err == nil)
	return err
}

func (b *InMemoryBreaker) State(ctx context.Context) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Report the observable state: an elapsed recovery window means the
	// next call is already a permitted probe.
	if b.state == Open && time.Since(b.changedAt) >= b.cfg.RecoveryTimeout {
		return HalfOpen
	}
	return b.state
}

func (b *InMemoryBreaker) acquire(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.changedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transitionLocked(HalfOpen, now)
		b.probes = 1
		return true
	default: // HalfOpen
		if b.probes >= b.cfg.MaxProbes {
			return false
		}
		b.probes++
		return true
	}
}

func (b *InMemoryBreaker) record(now time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		if b.state == HalfOpen {
			b.succs++
			if b.succs >= b.cfg.SuccessThreshold {
				b.transitionLocked(Closed, now)
				return
			}
			// Free the probe slot for the next trial call.
			if b.probes > 0 {
				b.probes--
			}
			return
		}
		b.fails = 0
		return
	}
	if b.state == HalfOpen {
		// A single failure while probing reopens and restarts the timer.
		b.transitionLocked(Open, now)
		return
	}
	b.fails++
	if b.fails >= b.cfg.FailureThreshold {
		b.transitionLocked(Open, now)
	}
}

func (b *InMemoryBreaker) transitionLocked(to string, now time.Time) {
	b.state = to
	b.fails = 0
	b.succs = 0
	b.probes = 0
	b.changedAt = now
}
