package ratelimit

import (
	"sync"
	"time"
)

// Limit classes used across the gateway. Each class has its own counter
// namespace so a message burst never starves connection accepts.
const (
	ClassMessages  = "messages"
	ClassResources = "resources"
	ClassConnIP    = "conn-ip"
)

// Decision is the outcome of a single increment-and-check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfterSec is the whole-second retry hint surfaced to clients.
// Always at least 1 for a rejected decision so "retry now" is never implied.
func (d Decision) RetryAfterSec(now time.Time) int {
	if d.Allowed {
		return 0
	}
	secs := int(d.ResetAt.Sub(now).Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter performs a single atomic increment-and-check against a windowed
// counter. Implementations must not read-then-write; concurrent callers
// across processes may never overshoot the limit.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
}

// Key builds the canonical counter key for a limit class and subject.
func Key(class, subject string) string {
	return class + ":" + subject
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry)}
}

func (l *InMemoryLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
