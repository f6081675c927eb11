package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/order-engine/internal/batch"
	"github.com/papertrade/order-engine/internal/config"
	"github.com/papertrade/order-engine/internal/metrics"
	"github.com/papertrade/order-engine/internal/model"
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

	if cfg.Redis.URL == "" || cfg.Postgres.URL == "" {
		slog.Error("worker requires both DATABASE_URL and REDIS_URL")
		os.Exit(1)
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	pg := store.NewPostgresStore(pool)
	if cfg.Postgres.EnsureSchema {
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
	}
	st := store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL)

	coordinator := batch.NewCoordinator(st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Engine.Workers; i++ {
		consumer := queue.NewConsumer(rdb, cfg.Queue.Stream, cfg.Queue.Group,
			fmt.Sprintf("%s-%d", hostname, i), cfg.Queue.VisibilityTimeout)
		if err := consumer.EnsureGroup(ctx); err != nil {
			slog.Error("consumer group setup failed", "err", err)
			os.Exit(1)
		}

		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(ctx)
		}(&worker{
			consumer:    consumer,
			coordinator: coordinator,
			rdb:         rdb,
			window:      cfg.Queue.WindowSize,
			atomic:      cfg.Engine.Atomic,
			poll:        cfg.Queue.PollInterval,
		})
	}

	// Ops endpoints: health and Prometheus metrics.
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"order-engine-worker"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: r}
	go func() {
		slog.Info("worker ops listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "err", err)
		}
	}()

	slog.Info("batch workers started",
		"workers", cfg.Engine.Workers,
		"window", cfg.Queue.WindowSize,
		"atomic", cfg.Engine.Atomic,
	)

	<-ctx.Done()
	slog.Info("shutting down workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	wg.Wait()
	fmt.Println("order-engine worker stopped")
}

// worker is one batch-processing loop: receive a window of orders, run the
// batch, and acknowledge only what reached a durable outcome.
type worker struct {
	consumer    *queue.Consumer
	coordinator *batch.Coordinator
	rdb         *redis.Client
	window      int64
	atomic      bool
	poll        time.Duration
}

func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := w.consumer.Receive(ctx, w.window)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("receive failed", "err", err)
			sleep(ctx, w.poll)
			continue
		}
		if len(msgs) == 0 {
			sleep(ctx, w.poll)
			continue
		}

		orders := make([]model.OrderRequest, len(msgs))
		msgIDByOrder := make(map[string]string, len(msgs))
		for i, m := range msgs {
			orders[i] = m.Order
			msgIDByOrder[m.Order.OrderID] = m.ID
		}

		res := w.coordinator.ProcessBatch(ctx, orders, w.atomic)

		// Acknowledgment contract: a message is deleted from the queue only
		// once its order has a durable terminal outcome — a committed fill,
		// a business rejection, or a duplicate of an earlier commit.
		// Retryable failures (lock conflicts, storage errors) and aborted
		// atomic batches stay pending and come back after the visibility
		// timeout.
		if !res.Success {
			slog.Warn("batch not committed, leaving messages for redelivery",
				"orders", len(orders), "reason", res.Message)
			continue
		}

		ids := make([]string, 0, len(msgs))
		for _, outcome := range res.Results {
			if outcome.Result.Retryable {
				continue
			}
			if id, ok := msgIDByOrder[outcome.OrderID]; ok {
				ids = append(ids, id)
			}
		}
		if err := w.consumer.Ack(ctx, ids...); err != nil {
			// Already committed; redelivered orders will be rejected as
			// duplicates by the processed-order check.
			slog.Error("ack failed after commit", "err", err)
			continue
		}

		w.publishFills(ctx, orders, res)
	}
}

func (w *worker) publishFills(ctx context.Context, orders []model.OrderRequest, res *model.BatchResult) {
	byID := make(map[string]model.OrderRequest, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	for _, outcome := range res.Results {
		if !outcome.Result.Success {
			continue
		}
		o := byID[outcome.OrderID]
		ev := queue.FillEvent{
			OrderID:  o.OrderID,
			UserID:   o.UserID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: o.Quantity,
			Action:   outcome.Result.Action,
		}
		if outcome.Result.PnL != nil {
			ev.PnL = outcome.Result.PnL.StringFixed(2)
		}
		if err := queue.PublishFill(ctx, w.rdb, ev); err != nil {
			slog.Warn("fill publish failed", "order", o.OrderID, "err", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
