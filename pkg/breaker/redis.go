package breaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both transitions live in Lua so every worker sees one consistent
// read-modify-write; there is no window where two processes can disagree
// about a threshold crossing.
var acquireScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  redis.call("HSET", KEYS[1], "state", "CLOSED", "fails", 0, "succs", 0, "probes", 0, "changed", ARGV[1])
  return {"CLOSED", 1}
end
if state == "CLOSED" then
  return {state, 1}
end
local changed = tonumber(redis.call("HGET", KEYS[1], "changed") or "0")
if state == "OPEN" then
  if tonumber(ARGV[1]) - changed >= tonumber(ARGV[2]) then
    redis.call("HSET", KEYS[1], "state", "HALF_OPEN", "succs", 0, "probes", 1, "changed", ARGV[1])
    return {"HALF_OPEN", 1}
  end
  return {state, 0}
end
local probes = tonumber(redis.call("HGET", KEYS[1], "probes") or "0")
if probes < tonumber(ARGV[3]) then
  redis.call("HINCRBY", KEYS[1], "probes", 1)
  return {state, 1}
end
return {state, 0}
`)

var recordScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state") or "CLOSED"
if ARGV[4] == "ok" then
  if state == "HALF_OPEN" then
    local succs = redis.call("HINCRBY", KEYS[1], "succs", 1)
    if succs >= tonumber(ARGV[3]) then
      redis.call("HSET", KEYS[1], "state", "CLOSED", "fails", 0, "succs", 0, "probes", 0, "changed", ARGV[1])
      return "CLOSED"
    end
    local probes = tonumber(redis.call("HGET", KEYS[1], "probes") or "0")
    if probes > 0 then
      redis.call("HINCRBY", KEYS[1], "probes", -1)
    end
    return state
  end
  redis.call("HSET", KEYS[1], "fails", 0)
  return state
end
if state == "HALF_OPEN" then
  redis.call("HSET", KEYS[1], "state", "OPEN", "fails", 0, "succs", 0, "probes", 0, "changed", ARGV[1])
  return "OPEN"
end
local fails = redis.call("HINCRBY", KEYS[1], "fails", 1)
if fails >= tonumber(ARGV[2]) then
  redis.call("HSET", KEYS[1], "state", "OPEN", "fails", 0, "succs", 0, "probes", 0, "changed", ARGV[1])
  return "OPEN"
end
return state
`)

// RedisBreaker shares breaker state across processes under the key
// "cb:{name}". Falls back to an in-process breaker on redis errors so an
// unreachable redis never fails open.
type RedisBreaker struct {
	Client   *redis.Client
	Name     string
	Cfg      Config
	Fallback *InMemoryBreaker
}

func NewRedis(client *redis.Client, name string, cfg Config) *RedisBreaker {
	cfg = cfg.withDefaults()
	return &RedisBreaker{
		Client:   client,
		Name:     name,
		Cfg:      cfg,
		Fallback: NewInMemory(cfg),
	}
}

func (b *RedisBreaker) key() string { return "cb:" + b.Name }

func (b *RedisBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if b.Client == nil {
		return b.Fallback.Call(ctx, fn)
	}
	allowed, ok := b.acquire(ctx)
	if !ok {
		return b.Fallback.Call(ctx, fn)
	}
	if !allowed {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	b.record(ctx, err == nil)
	return err
}

func (b *RedisBreaker) State(ctx context.Context) string {
	if b.Client == nil {
		return b.Fallback.State(ctx)
	}
	state, err := b.Client.HGet(ctx, b.key(), "state").Result()
	if err != nil || state == "" {
		return Closed
	}
	return state
}

func (b *RedisBreaker) acquire(ctx context.Context) (allowed, ok bool) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := acquireScript.Run(opCtx, b.Client, []string{b.key()},
		time.Now().UnixMilli(),
		b.Cfg.RecoveryTimeout.Milliseconds(),
		b.Cfg.MaxProbes,
	).Result()
	if err != nil {
		return false, false
	}
	vals, isSlice := res.([]interface{})
	if !isSlice || len(vals) < 2 {
		return false, false
	}
	permit, _ := vals[1].(int64)
	return permit == 1, true
}

func (b *RedisBreaker) record(ctx context.Context, success bool) {
	outcome := "fail"
	if success {
		outcome = "ok"
	}
	// Outcome recording must survive a cancelled caller context; a worker
	// whose run timed out still owes the breaker its failure.
	opCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = recordScript.Run(opCtx, b.Client, []string{b.key()},
		time.Now().UnixMilli(),
		b.Cfg.FailureThreshold,
		b.Cfg.SuccessThreshold,
		outcome,
	).Result()
}
