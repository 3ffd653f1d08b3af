package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/papertrade/paper-engine/internal/broker"
	"github.com/papertrade/paper-engine/internal/config"
	"github.com/papertrade/paper-engine/internal/execution"
	"github.com/papertrade/paper-engine/internal/instrument"
	"github.com/papertrade/paper-engine/internal/logging"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/portfolio"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/risk"
	"github.com/papertrade/paper-engine/internal/store"
	"github.com/papertrade/paper-engine/internal/trade"
)

func main() {
	cfg, err := config.Load(config.Path(), "")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := store.Open(ctx, store.OpenOptions{
		Driver:      cfg.Storage.Driver,
		DatabaseURL: cfg.Storage.DatabaseURL,
		SQLitePath:  cfg.Storage.SQLitePath,
		Migrate:     cfg.Storage.Migrate,
	})
	if err != nil {
		slog.Error("store open failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, closeStore)
	if cfg.Storage.Driver == config.DriverMemory {
		slog.Warn("using in-memory store (data will not persist)")
	} else {
		slog.Info("ledger store ready", "driver", cfg.Storage.Driver)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		// Wrap durable stores with a read-through cache.
		if cfg.Storage.Driver != config.DriverMemory {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	}

	// --- Instruments and prices ---
	registry, err := instrument.NewRegistry(cfg.Instruments, cfg.Ledger.BaseCurrency)
	if err != nil {
		slog.Error("invalid instruments", "err", err)
		os.Exit(1)
	}

	// Price writes go to the first feed consulted.
	static := pricing.NewStaticFeed(cfg.Pricing.StaticPriceDecimals())
	var prices pricing.Gateway
	var settable pricing.Setter
	switch cfg.Pricing.Source {
	case config.PriceSourceRedis:
		live := pricing.NewRedisFeed(rdb, cfg.Pricing.PriceTTL)
		prices, settable = live, live
	case config.PriceSourceChain:
		live := pricing.NewRedisFeed(rdb, cfg.Pricing.PriceTTL)
		prices, settable = pricing.Chain{live, static}, live
	default:
		prices, settable = static, static
	}
	slog.Info("price source ready", "source", cfg.Pricing.Source)

	// --- Engine ---
	execModel, err := execution.NewModel(cfg.Ledger.SlippageBpsDecimal(), cfg.Ledger.FeeBpsDecimal())
	if err != nil {
		slog.Error("invalid execution model", "err", err)
		os.Exit(1)
	}
	limits := risk.NewLimits(cfg.Ledger.MaxPositionPctDecimal(), cfg.Ledger.MinTradeSizeDecimal())

	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	engine := broker.New(st, prices, registry, execModel, limits, broker.Config{
		StartingCash:       cfg.Ledger.StartingCashDecimal(),
		BaseCurrency:       cfg.Ledger.BaseCurrency,
		PriceTimeout:       cfg.Ledger.PriceTimeout,
		StoreTimeout:       cfg.Ledger.StoreTimeout,
		MaxConflictRetries: cfg.Ledger.MaxConflictRetries,
	}, broker.WithNotifier(wsHub), broker.WithLogger(logger))

	valuation := portfolio.NewService(st, prices, registry.List(), limits.MinTradeSize, cfg.Ledger.PriceTimeout, logger)

	handler := trade.NewHandler(trade.Deps{
		Broker:       engine,
		Portfolio:    valuation,
		Store:        st,
		Instruments:  registry,
		Prices:       prices,
		Feed:         settable,
		Execution:    execModel,
		PriceTimeout: cfg.Ledger.PriceTimeout,
		Logger:       logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time order and fill events. Registered
		// outside the timeout middleware so long-lived connections survive.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Routes(r)
		})
	})

	// CORS for frontend cross-origin requests.
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
	})

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      c.Handler(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("paper-engine listening", "port", port)
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

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("paper-engine stopped")
}
