package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/order-engine/internal/config"
	"github.com/papertrade/order-engine/internal/intake"
	"github.com/papertrade/order-engine/internal/metrics"
	"github.com/papertrade/order-engine/internal/queue"
	"github.com/papertrade/order-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load() // optional local .env

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if cfg.Redis.URL == "" {
		slog.Error("redis is required for the order queue; set REDIS_URL")
		os.Exit(1)
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.EnsureSchema {
			if err := pg.EnsureSchema(context.Background()); err != nil {
				slog.Error("schema setup failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL)
		slog.Info("connected to PostgreSQL with Redis cache")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Queue producer and fill hub ---
	producer := queue.NewProducer(rdb, cfg.Queue.Stream)

	wsHub := intake.NewWSHub()
	go wsHub.Run()

	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	go intake.RunFillRelay(relayCtx, rdb, wsHub)

	handler := intake.NewHandler(st, producer)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"order-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fill events.
		r.Get("/ws", wsHub.HandleWS)

		// Order intake.
		r.Post("/orders", handler.SubmitOrder)

		// Portfolio queries.
		r.Get("/portfolio/{userID}", handler.GetPortfolio)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("order-engine intake listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down order-engine intake...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("order-engine intake stopped")
}
