package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/matching-engine/internal/config"
	"github.com/atmx/matching-engine/internal/engine"
	"github.com/atmx/matching-engine/internal/marketdata"
	"github.com/atmx/matching-engine/internal/metrics"
	"github.com/atmx/matching-engine/internal/rpc"
	"github.com/atmx/matching-engine/internal/store"
	"github.com/atmx/matching-engine/internal/writebehind"
)

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, args ...any) {
		slog.Error(msg, args...)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Redis (request transport, market data, redis queue backend) ---
	if cfg.RedisURL == "" {
		fatal("REDIS_URL is required for the request transport")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fatal("invalid REDIS_URL", "err", err)
	}
	rdb := redis.NewClient(opt)
	cleanup = append(cleanup, func() { rdb.Close() })

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("database connection failed", "err", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewCachedStore(store.NewPostgresStore(pool), rdb, time.Hour)
		slog.Info("connected to PostgreSQL", "topic_cache", "redis")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		if err := seedTopics(ctx, ms, cfg.SeedTopics); err != nil {
			fatal("cannot start without a database", "err", err)
		}
		st = ms
	}

	// --- Write-behind queue ---
	queue, dead, closeQueue, err := openQueue(cfg, rdb)
	if err != nil {
		fatal("write-behind queue unavailable", "backend", cfg.QueueBackend, "err", err)
	}
	cleanup = append(cleanup, closeQueue)
	drainInProcess := cfg.DrainInProcess
	if cfg.QueueBackend == config.BackendMemory && !drainInProcess {
		slog.Warn("memory queue cannot be drained by another process, draining in-process")
		drainInProcess = true
	}

	// --- Market data ---
	hub := marketdata.NewHub()
	depth := marketdata.NewRedisBroadcaster(rdb)
	broadcasters := marketdata.Multi{hub, depth}
	if len(cfg.KafkaBrokers) > 0 {
		kb := marketdata.NewKafkaBroadcaster(cfg.KafkaBrokers, cfg.KafkaTradesTopic)
		cleanup = append(cleanup, func() {
			if err := kb.Close(); err != nil {
				slog.Warn("kafka writer close", "err", err)
			}
		})
		broadcasters = append(broadcasters, kb)
		slog.Info("kafka market data enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTradesTopic)
	}
	publisher := marketdata.NewPublisher(broadcasters, cfg.PublishBuffer)

	// --- Engine ---
	eng := engine.New(st, queue, publisher, engine.Config{StoreTimeout: cfg.StoreTimeout})
	if err := eng.Bootstrap(ctx); err != nil {
		fatal("engine bootstrap failed", "err", err)
	}

	requests := rpc.NewChannel(cfg.InboundBuffer)
	bridge := rpc.NewRedisBridge(rdb, cfg.RequestQueue, requests)
	if err := bridge.Ping(ctx); err != nil {
		fatal("redis unreachable", "err", err)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error(name+" stopped", "err", err)
				stop()
			}
		}()
	}
	run("hub", func(ctx context.Context) error { hub.Run(ctx); return nil })
	run("publisher", func(ctx context.Context) error { publisher.Run(ctx); return nil })
	run("engine", func(ctx context.Context) error { return eng.Run(ctx, requests.Requests()) })
	run("bridge", bridge.Run)
	if drainInProcess {
		dr := writebehind.NewDrainer(queue, dead, st, writebehind.DrainerConfig{
			MaxAttempts: cfg.DrainMaxAttempts,
			Backoff:     cfg.DrainBackoff,
		})
		run("drainer", dr.Run)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pending, _ := queue.Len(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"service":       "matching-engine",
			"inbound_depth": requests.Depth(),
			"write_behind":  pending,
			"ws_clients":    hub.Clients(),
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for depth and trade updates.
	r.Get("/ws", hub.HandleWS)

	// Latest published depth of one market.
	r.Get("/depth/{market}", func(w http.ResponseWriter, r *http.Request) {
		snap, ok, err := depth.Latest(r.Context(), chi.URLParam(r, "market"))
		if err != nil {
			slog.Warn("depth lookup failed", "err", err)
			http.Error(w, "depth unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.Error(w, "unknown market", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("matching-engine listening", "port", cfg.Port, "queue_backend", cfg.QueueBackend, "drain_in_process", drainInProcess)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down matching-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wg.Wait()
	if n, err := queue.Len(shutdownCtx); err == nil && n > 0 {
		slog.Warn("write-behind entries left undrained", "count", n, "backend", cfg.QueueBackend)
	}
	fmt.Println("matching-engine stopped")
}

// openQueue builds the write-behind queue and its dead-letter queue for the
// configured backend.
func openQueue(cfg config.Config, rdb *redis.Client) (queue, dead writebehind.Queue, closeFn func(), err error) {
	switch cfg.QueueBackend {
	case config.BackendMemory:
		return writebehind.NewMemoryQueue(), writebehind.NewMemoryQueue(), func() {}, nil
	case config.BackendRedis:
		return writebehind.NewRedisQueue(rdb, cfg.WriteBehindQueue),
			writebehind.NewRedisQueue(rdb, cfg.WriteBehindQueue+writebehind.DeadSuffix),
			func() {}, nil
	case config.BackendPebble:
		db, err := writebehind.OpenPebble(cfg.PebblePath)
		if err != nil {
			return nil, nil, nil, err
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				slog.Warn("pebble close", "err", err)
			}
		}
		q, err := writebehind.NewPebbleQueue(db, cfg.WriteBehindQueue)
		if err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		dq, err := writebehind.NewPebbleQueue(db, cfg.WriteBehindQueue+writebehind.DeadSuffix)
		if err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		return q, dq, closeDB, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}
