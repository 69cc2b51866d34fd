package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pitchx/founder-exchange/internal/config"
	"github.com/pitchx/founder-exchange/internal/logging"
	"github.com/pitchx/founder-exchange/internal/metrics"
	"github.com/pitchx/founder-exchange/internal/notify"
	"github.com/pitchx/founder-exchange/internal/ratelimit"
	"github.com/pitchx/founder-exchange/internal/store"
	"github.com/pitchx/founder-exchange/internal/telemetry"
	"github.com/pitchx/founder-exchange/internal/trade"
)

const serviceName = "founder-exchange"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	_, logCloser := logging.Setup(logging.Options{Service: serviceName, Level: level, File: cfg.LogFile})
	defer logCloser.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		slog.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, storeKind, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, closeStore)

	// --- Redis (lock backend and change channel) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", "err", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	var locker trade.Locker = trade.NewLocalLocker()
	if cfg.LockBackend == config.LockRedis {
		locker = trade.NewRedisLocker(rdb, cfg.LockTTL)
		slog.Info("using Redis founder locks", "ttl", cfg.LockTTL.String())
	}

	// --- Change event sinks ---
	hub := notify.NewHub()
	go hub.Run(ctx)

	publisher := notify.NewMulti(notify.Sink{Name: "websocket", Publisher: hub})
	if rdb != nil {
		publisher.Add("redis", notify.NewRedisPublisher(rdb, cfg.RedisChannel))
		slog.Info("publishing changes to Redis", "channel", cfg.RedisChannel)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { kp.Close() })
		publisher.Add("kafka", kp)
		slog.Info("publishing changes to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Trade service ---
	executor := trade.NewExecutor(st, trade.ExecutorConfig{
		Locker:      locker,
		Publisher:   publisher,
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.TradeMaxRetries,
	})
	tradeSvc := trade.NewService(st, executor)

	if cfg.SeedFile != "" {
		seed, err := trade.LoadSeed(cfg.SeedFile)
		if err != nil {
			slog.Error("seed load failed", "err", err)
			os.Exit(1)
		}
		if err := tradeSvc.ApplySeed(ctx, seed); err != nil {
			slog.Error("seed apply failed", "err", err)
			os.Exit(1)
		}
	}

	var tradeLimiter func(http.Handler) http.Handler
	if cfg.RateLimitPerMinute > 0 {
		limiter := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		go limiter.Run(ctx)
		tradeLimiter = limiter.Middleware
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"service":    serviceName,
			"store":      storeKind,
			"ws_clients": hub.Clients(),
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket push of change events. Long-lived, so outside the timeout.
	r.Get("/api/v1/ws", hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		tradeSvc.Routes(r, tradeLimiter)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("founder-exchange listening", "addr", srv.Addr, "store", storeKind, "lock", cfg.LockBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down founder-exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("trace flush failed", "err", err)
	}
	fmt.Println("founder-exchange stopped")
}

// openStore picks Postgres, then SQLite, then memory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, string, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, "", nil, err
		}
		slog.Info("connected to PostgreSQL")
		return pg, "postgres", pool.Close, nil

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, "", nil, err
		}
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)
		return lite, "sqlite", func() { lite.Close() }, nil
	}

	slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
	return store.NewMemoryStore(), "memory", func() {}, nil
}
