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
	"parley/pkg/auth"
	"parley/pkg/breaker"
	"parley/pkg/broadcast"
	"parley/pkg/checkpoint"
	"parley/pkg/conversation"
	"parley/pkg/dispatch"
	"parley/pkg/hardening"
	"parley/pkg/httpx"
	"parley/pkg/metrics"
	"parley/pkg/ratelimit"
	"parley/pkg/store"
	"parley/pkg/telemetry"
)

// Server holds every collaborator the gateway endpoints need. Fields are
// plain values so tests can assemble a Server without the env-driven setup.
type Server struct {
	Auth          auth.Authenticator
	Cache         store.Cache
	Conversations conversation.Store
	Dispatcher    dispatch.Dispatcher
	Broadcast     broadcast.Broadcaster
	RateLimiter   ratelimit.Limiter
	Metrics       *metrics.Registry
	Origins       httpx.OriginPolicy

	MessageLimit         int
	MessageWindow        time.Duration
	ResourceLimit        int
	ResourceWindow       time.Duration
	MaxMessageChars      int
	MaxConnsPerPrincipal int
	ConnIPLimit          int
	ConnIPWindow         time.Duration
	HistoryLimit         int

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	PingMissLimit    int
	WriteTimeout     time.Duration
	EnqueueTimeout   time.Duration

	slotsMu   sync.Mutex
	slots     map[string]int
	openConns int
}

type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = store.NewPostgresPool
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetry, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, telemetry.FromEnv("gateway"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "off")
	kafkaBrokers := env("KAFKA_BROKERS", "")
	allowedOrigins := env("ALLOWED_ORIGINS", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		KafkaBrokers:       kafkaBrokers,
		AuthMode:           authMode,
		AllowedOrigins:     allowedOrigins,
	}); err != nil {
		return err
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	conversations := conversation.NewPostgres(pool)
	if err := conversations.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("conversation schema: %w", err)
	}

	authenticator, err := auth.FromMode(
		authMode,
		env("AUTH_SECRET", ""),
		env("AUTH_ISSUER", ""),
		env("AUTH_AUDIENCE", ""),
		env("IDENTITY_URL", ""),
		telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))}),
	)
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient)
	} else {
		limiter = ratelimit.NewInMemory()
	}

	var broadcaster broadcast.Broadcaster
	if redisClient != nil {
		broadcaster = broadcast.NewRedis(redisClient)
	} else {
		broadcaster = broadcast.NewHub()
	}

	s := &Server{
		Auth:                 authenticator,
		Cache:                cache,
		Conversations:        conversations,
		Broadcast:            broadcaster,
		RateLimiter:          limiter,
		Metrics:              metrics.NewRegistry(),
		Origins:              httpx.NewOriginPolicy(allowedOrigins),
		MessageLimit:         envInt("MESSAGE_LIMIT_PER_WINDOW", 50),
		MessageWindow:        envDurationSec("MESSAGE_WINDOW_SEC", 3600),
		ResourceLimit:        envInt("RESOURCE_LIMIT_PER_WINDOW", 20),
		ResourceWindow:       envDurationSec("RESOURCE_WINDOW_SEC", 3600),
		MaxMessageChars:      envInt("MAX_MESSAGE_CHARS", 10000),
		MaxConnsPerPrincipal: envInt("MAX_CONNS_PER_PRINCIPAL", 5),
		ConnIPLimit:          envInt("CONN_IP_LIMIT", 60),
		ConnIPWindow:         envDurationSec("CONN_IP_WINDOW_SEC", 60),
		HistoryLimit:         envInt("HISTORY_LIMIT", 200),
		HandshakeTimeout:     envDurationSec("HANDSHAKE_TIMEOUT_SEC", 10),
		PingInterval:         envDurationSec("PING_INTERVAL_SEC", 30),
		PingTimeout:          envDurationSec("PING_TIMEOUT_SEC", 10),
		PingMissLimit:        envInt("PING_MISS_LIMIT", 2),
		WriteTimeout:         envDurationSec("WS_WRITE_TIMEOUT_SEC", 5),
		EnqueueTimeout:       envDurationSec("ENQUEUE_TIMEOUT_SEC", 5),
		slots:                map[string]int{},
	}

	if kafkaBrokers != "" {
		dispatcher, err := dispatch.NewKafkaDispatcher(dispatch.WriterConfig{
			Brokers: strings.Split(kafkaBrokers, ","),
			Topic:   env("KAFKA_TOPIC", "parley.work"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer dispatcher.Close()
		s.Dispatcher = dispatcher
	} else {
		// Single-process mode: the queue and the worker live in the gateway.
		queue := dispatch.NewChannelQueue(envInt("QUEUE_BUFFER", 256))
		s.Dispatcher = queue
		worker := inProcessWorker(ctx, pool, cache, redisClient, broadcaster, conversations, s.Metrics, queue)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("gateway: embedded worker stopped: %v", err)
			}
		}()
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// inProcessWorker wires the same execution pipeline the worker binary runs,
// fed from the in-memory queue. Development and tests only.
func inProcessWorker(
	ctx context.Context,
	pool *pgxpool.Pool,
	cache store.Cache,
	redisClient *redis.Client,
	broadcaster broadcast.Broadcaster,
	conversations conversation.Store,
	registry *metrics.Registry,
	queue *dispatch.ChannelQueue,
) *dispatch.Worker {
	cold := checkpoint.NewPostgresCold(pool)
	if err := cold.EnsureSchema(ctx); err != nil {
		log.Printf("gateway: checkpoint schema: %v", err)
	}
	checkpoints := checkpoint.New(cold, cache, envDurationSec("CHECKPOINT_HOT_TTL_SEC", 900))

	cfg := breaker.Config{
		FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  envDurationSec("BREAKER_RECOVERY_SEC", 60),
		SuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 2),
	}
	var guard breaker.Breaker
	if redisClient != nil {
		guard = breaker.NewRedis(redisClient, "completion", cfg)
	} else {
		guard = breaker.NewInMemory(cfg)
	}

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
	return &dispatch.Worker{
		Source:  queue,
		Cache:   cache,
		Metrics: registry,
		Execute: executor.Execute,
		Fail:    executor.Fail,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: envInt("TASK_MAX_ATTEMPTS", 3),
			Base:        time.Millisecond * time.Duration(envInt("TASK_BACKOFF_BASE_MS", 500)),
			Cap:         time.Millisecond * time.Duration(envInt("TASK_BACKOFF_CAP_MS", 10000)),
		},
		SoftTimeout: envDurationSec("TASK_SOFT_TIMEOUT_SEC", 60),
		HardTimeout: envDurationSec("TASK_HARD_TIMEOUT_SEC", 120),
		DedupeTTL:   envDurationSec("TASK_DEDUPE_TTL_SEC", 86400),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Origins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/v1/ws", s.handleWS)

	authed := chi.NewRouter()
	authed.Use(s.authMiddleware)
	authed.Get("/metrics", s.Metrics.Handler())
	authed.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authed.Get("/conversations/{conversation_id}", s.handleHistory)
	r.Mount("/v1", authed)
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.Auth.Authenticate(r.Context(), auth.CredentialFromRequest(r))
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				httpx.Error(w, http.StatusUnauthorized, "invalid credential")
			} else {
				httpx.Error(w, http.StatusServiceUnavailable, "authentication unavailable")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "invalid credential")
		return
	}
	conversationID := chi.URLParam(r, "conversation_id")
	owner, err := s.Conversations.Owner(r.Context(), conversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if owner != principal.Subject {
		httpx.Error(w, http.StatusForbidden, "conversation owned by another principal")
		return
	}
	limit := s.HistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= s.HistoryLimit {
			limit = n
		}
	}
	turns, err := s.Conversations.History(r.Context(), conversationID, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"turns":           turns,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
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
