package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"parley/pkg/agent"
	"parley/pkg/breaker"
	"parley/pkg/broadcast"
	"parley/pkg/checkpoint"
	"parley/pkg/conversation"
	"parley/pkg/dispatch"
	"parley/pkg/hardening"
	"parley/pkg/httpx"
	"parley/pkg/metrics"
	"parley/pkg/store"
	"parley/pkg/telemetry"
)

type workerInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error)
type workerOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type workerOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type workerOpenSourceFunc func(cfg dispatch.ReaderConfig) (dispatch.Source, error)
type workerListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = store.NewPostgresPool
	openRedisFn   = store.NewRedis
	openSourceFn  = dispatch.NewKafkaSource
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runWorker(context.Background(), initTelemetry, openDBFn, openRedisFn, openSourceFn, listenFn); err != nil {
		logFatalf("worker: %v", err)
	}
}

func runWorker(
	ctx context.Context,
	initTelemetry workerInitTelemetryFunc,
	openDB workerOpenDBFunc,
	openRedis workerOpenRedisFunc,
	openSource workerOpenSourceFunc,
	listen workerListenFunc,
) error {
	shutdown, err := initTelemetry(ctx, telemetry.FromEnv("worker"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	kafkaBrokers := env("KAFKA_BROKERS", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "worker",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		KafkaBrokers:       kafkaBrokers,
		// The worker has no client surface; auth and origins are the
		// gateway's concern.
		AuthMode:       "n/a",
		AllowedOrigins: "https://placeholder.invalid",
	}); err != nil {
		return err
	}
	if strings.TrimSpace(kafkaBrokers) == "" {
		return errors.New("KAFKA_BROKERS required; without kafka the gateway runs its own embedded worker")
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		// Without redis, fragments cannot reach gateway instances on other
		// hosts. Still run: checkpoints and history stay durable, and a
		// single-host deployment keeps working through the fallbacks.
		log.Printf("redis unavailable, falling back to in-process cache/broadcast: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	cold := checkpoint.NewPostgresCold(pool)
	if err := cold.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("checkpoint schema: %w", err)
	}
	checkpoints := checkpoint.New(cold, cache, envDurationSec("CHECKPOINT_HOT_TTL_SEC", 900))

	conversations := conversation.NewPostgres(pool)
	if err := conversations.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("conversation schema: %w", err)
	}

	var broadcaster broadcast.Broadcaster
	if redisClient != nil {
		broadcaster = broadcast.NewRedis(redisClient)
	} else {
		broadcaster = broadcast.NewHub()
	}

	cfg := breaker.Config{
		FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  envDurationSec("BREAKER_RECOVERY_SEC", 60),
		SuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 2),
		MaxProbes:        envInt("BREAKER_MAX_PROBES", 1),
	}
	var guard breaker.Breaker
	if redisClient != nil {
		guard = breaker.NewRedis(redisClient, "completion", cfg)
	} else {
		guard = breaker.NewInMemory(cfg)
	}

	registry := metrics.NewRegistry()
	executor := &agent.Executor{
		Producer: agent.NewHTTPProducer(
			env("COMPLETION_URL", ""),
			env("COMPLETION_TOKEN", ""),
			telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("COMPLETION_TIMEOUT_SEC", 120)}),
		),
		Breaker:       guard,
		Checkpoints:   checkpoints,
		Conversations: conversations,
		Broadcast:     broadcaster,
		Cache:         cache,
		Metrics:       registry,
	}

	concurrency := envInt("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	retry := dispatch.RetryPolicy{
		MaxAttempts: envInt("TASK_MAX_ATTEMPTS", 3),
		Base:        time.Millisecond * time.Duration(envInt("TASK_BACKOFF_BASE_MS", 500)),
		Cap:         time.Millisecond * time.Duration(envInt("TASK_BACKOFF_CAP_MS", 10000)),
	}
	readerCfg := dispatch.ReaderConfig{
		Brokers: strings.Split(kafkaBrokers, ","),
		Topic:   env("KAFKA_TOPIC", "parley.work"),
		GroupID: env("KAFKA_GROUP_ID", "parley-workers"),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		// One reader per goroutine; the consumer group spreads partitions
		// across them, preserving per-conversation order.
		source, err := openSource(readerCfg)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("kafka: %w", err)
		}
		worker := &dispatch.Worker{
			Source:      source,
			Cache:       cache,
			Metrics:     registry,
			Execute:     executor.Execute,
			Fail:        executor.Fail,
			Retry:       retry,
			SoftTimeout: envDurationSec("TASK_SOFT_TIMEOUT_SEC", 60),
			HardTimeout: envDurationSec("TASK_HARD_TIMEOUT_SEC", 120),
			DedupeTTL:   envDurationSec("TASK_DEDUPE_TTL_SEC", 86400),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer source.Close()
			if err := worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("worker: consumer stopped: %v", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("worker"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "worker",
			"breaker": guard.State(req.Context()),
		})
	})
	r.Get("/metrics", registry.Handler())
	r.Get("/metrics/prometheus", registry.PrometheusHandler())

	addr := env("ADDR", ":8090")
	log.Printf("worker listening on %s, consuming %s with concurrency %d", addr, readerCfg.Topic, concurrency)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	err = listen(server)
	cancel()
	wg.Wait()
	return err
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(key string, def int) time.Duration {
	return time.Second * time.Duration(envInt(key, def))
}
