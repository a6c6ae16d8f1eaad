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
	"github.com/redis/go-redis/v9"

	"github.com/KDLN/aurelian-market/internal/auction"
	"github.com/KDLN/aurelian-market/internal/config"
	"github.com/KDLN/aurelian-market/internal/feed"
	"github.com/KDLN/aurelian-market/internal/marketdata"
	"github.com/KDLN/aurelian-market/internal/metrics"
	"github.com/KDLN/aurelian-market/internal/store"
	"github.com/KDLN/aurelian-market/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("MARKET_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Market.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := ws.NewHub(nil)

	// --- Auction ledger + market data ---
	ledger := auction.NewLedger(st, wsHub, nil, cfg.Market.MaxListings)
	wsHub.SetSnapshot(ledger.SnapshotPayload)
	agg := marketdata.New(st, cfg.HubID, cfg.Market.Lookback)

	go wsHub.Run()

	// --- Market loop ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := feed.New(ledger, agg, wsHub, st, nil, feed.Intervals{
		Fast:      cfg.Ticks.Fast,
		Slow:      cfg.Ticks.Slow,
		Summary:   cfg.Ticks.Summary,
		Reconcile: cfg.Ticks.Reconcile,
	})
	go loop.Run(ctx)

	// Warm the listing cache before serving.
	if err := ledger.Reconcile(ctx); err != nil {
		slog.Warn("initial reconciliation failed", "err", err)
	}

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
		w.Write([]byte(`{"status":"ok","service":"market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for market broadcasts.
		r.Get("/ws", wsHub.HandleWS)

		// Listing lifecycle.
		r.Get("/listings", ledger.HandleSnapshot)
		r.Post("/listings", ledger.HandleCreate)
		r.Post("/listings/{listingID}/buy", ledger.HandleBuy)
		r.Post("/listings/{listingID}/cancel", ledger.HandleCancel)

		// Market data.
		r.Get("/market/summary", agg.HandleSummary)
		r.Get("/market/{itemID}/history", agg.HandleHistory)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market listening", "port", cfg.Port, "hub", cfg.HubID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down market...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market stopped")
}
