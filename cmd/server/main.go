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

	"github.com/atmx/paper-trader/internal/agent"
	"github.com/atmx/paper-trader/internal/api"
	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/config"
	"github.com/atmx/paper-trader/internal/consensus"
	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/provider"
	"github.com/atmx/paper-trader/internal/rules"
	"github.com/atmx/paper-trader/internal/scheduler"
	"github.com/atmx/paper-trader/internal/score"
	"github.com/atmx/paper-trader/internal/store"
	"github.com/atmx/paper-trader/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger, logCloser := telemetry.NewLogger(cfg.LogConfig())
	slog.SetDefault(logger)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		logCloser.Close()
	}()
	fatal := func(msg string, args ...any) {
		slog.Error(msg, args...)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		logCloser.Close()
		os.Exit(1)
	}

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracing(context.Background(), "paper-trader", nil)
		if err != nil {
			fatal("tracing init failed", "err", err)
		}
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		})
		slog.Info("tracing enabled")
	}

	// --- Initialize store ---
	var st store.Store

	switch {
	case cfg.Database.PostgresURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.Database.PostgresURL)
		if err != nil {
			fatal("database connection failed", "err", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			fatal("database migration failed", "err", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.Database.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			fatal("sqlite open failed", "err", err, "path", cfg.Database.SQLitePath)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.Database.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Database.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Database.RedisURL)
		if err != nil {
			fatal("invalid REDIS_URL", "err", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Database.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	// --- Market data ---
	pc := cfg.Providers
	budget := provider.NewBudget(pc.RatePerSecond, pc.RateBurst)
	primary := provider.WithBudget(provider.NewBinance(pc.BinanceBaseURL, pc.Timeout), budget)
	secondary := provider.WithBudget(
		provider.NewCoinGecko(pc.CoinGeckoBaseURL, pc.CoinGeckoAPIKey, asset.NewMapper(pc.CoinGeckoIDs), pc.Timeout),
		budget,
	)
	tertiary := provider.WithBudget(provider.NewBybit(pc.BybitBaseURL, pc.Timeout), budget)
	engine := consensus.New(primary, secondary, tertiary, cfg.Consensus.TolerancePct, logger)

	// --- Scoring ---
	var scorer score.Scorer
	if cfg.Score.Endpoint != "" {
		scorer = score.NewHTTPScorer(cfg.Score.Endpoint, cfg.Score.APIKey, cfg.Score.Timeout)
		slog.Info("using HTTP scorer", "endpoint", cfg.Score.Endpoint)
	} else {
		neutral := make(map[string]int, len(cfg.Agent.Watchlist))
		for _, a := range cfg.Agent.Watchlist {
			neutral[a] = 50
		}
		scorer = score.NewStatic(neutral)
		slog.Warn("SCORE_ENDPOINT not set, using static neutral scores")
	}

	// --- Agent ---
	lt := ledger.New(st, cfg.LedgerConfig(), logger)
	sched := scheduler.New(cfg.SchedulerPolicy(), logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	cleanup = append(cleanup, stopHub)
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(hubCtx)

	runner := agent.NewRunner(engine, scorer, rules.New(cfg.RulesConfig()), lt, sched, wsHub, cfg.Agent.Watchlist, logger)

	crons := agent.NewCron(runner, cfg.Agent.RunTimeout, logger)
	if cfg.Agent.RunCron != "" {
		if err := crons.Schedule(cfg.Agent.RunCron, cfg.Agent.UserID); err != nil {
			fatal("schedule runs failed", "err", err)
		}
	}
	crons.Start()
	cleanup = append(cleanup, crons.Stop)
	if cfg.Agent.RunOnStart {
		go crons.RunNow(cfg.Agent.UserID)
	}

	svc := api.NewService(engine, lt, st, runner, wsHub, logger)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-trader"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// No request timeout here: runs are synchronous and /ws is long-lived.
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("paper-trader listening", "port", cfg.Server.Port, "watchlist", cfg.Agent.Watchlist)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", "err", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-trader...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-trader stopped")
}
