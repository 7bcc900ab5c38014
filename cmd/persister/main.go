// Command persister drains the write-behind queue into PostgreSQL. It runs
// beside the engine for the redis backend. A pebble queue is locked by the
// process that opened it, so for that backend the persister only drains a
// directory left behind by a stopped engine.
package main

import (
	"context"
	"errors"
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

	"github.com/atmx/matching-engine/internal/config"
	"github.com/atmx/matching-engine/internal/metrics"
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

	if err := run(cfg); err != nil {
		slog.Error("persister failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("persister stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	writer := store.NewPostgresStore(pool)

	var queue, dead writebehind.Queue
	switch cfg.QueueBackend {
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		queue = writebehind.NewRedisQueue(rdb, cfg.WriteBehindQueue)
		dead = writebehind.NewRedisQueue(rdb, cfg.WriteBehindQueue+writebehind.DeadSuffix)
	case config.BackendPebble:
		db, err := writebehind.OpenPebble(cfg.PebblePath)
		if err != nil {
			return fmt.Errorf("open pebble (is the engine still running?): %w", err)
		}
		defer db.Close()
		if queue, err = writebehind.NewPebbleQueue(db, cfg.WriteBehindQueue); err != nil {
			return err
		}
		if dead, err = writebehind.NewPebbleQueue(db, cfg.WriteBehindQueue+writebehind.DeadSuffix); err != nil {
			return err
		}
	default:
		return fmt.Errorf("queue backend %q cannot be drained out of process", cfg.QueueBackend)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"persister"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		slog.Info("persister listening", "port", cfg.Port, "queue", cfg.WriteBehindQueue, "backend", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	dr := writebehind.NewDrainer(queue, dead, writer, writebehind.DrainerConfig{
		MaxAttempts: cfg.DrainMaxAttempts,
		Backoff:     cfg.DrainBackoff,
	})
	err = dr.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("shutdown error", "err", serr)
	}
	return err
}
