package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/automatetrade/execution-engine/internal/api"
	"github.com/automatetrade/execution-engine/internal/config"
	"github.com/automatetrade/execution-engine/internal/gateway"
	"github.com/automatetrade/execution-engine/internal/ledger"
	"github.com/automatetrade/execution-engine/internal/marketdata"
	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/order"
	"github.com/automatetrade/execution-engine/internal/risk"
	"github.com/automatetrade/execution-engine/internal/scheduler"
	"github.com/automatetrade/execution-engine/internal/store"
	"github.com/automatetrade/execution-engine/internal/strategy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("execution-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("execution-engine stopped")
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger ---
	lg := ledger.New(ledger.Config{
		AccountID:   cfg.Account.ID,
		InitialCash: decimal.NewFromFloat(cfg.Account.InitialCash),
		Policy:      cfg.Policy(),
		Staleness:   cfg.MarketData.Staleness.Duration,
	}, st)
	if err := lg.Restore(ctx); err != nil {
		return err
	}

	// --- Market data and broker ---
	hub := marketdata.NewHub(cfg.MarketData.SubscriberBuffer)
	paper := gateway.NewPaper(hub, 1024)

	// --- Orders ---
	orders := order.NewManager(orderConfig(cfg), paper, lg, hub, st)
	if err := orders.Restore(ctx); err != nil {
		return err
	}

	// --- Scheduler ---
	cadence, err := cadenceOf(cfg)
	if err != nil {
		return err
	}
	session, err := sessionOf(cfg)
	if err != nil {
		return err
	}
	targets := strategy.NewTargetBook()
	sectors := risk.NewSectorMap(cfg.Sectors)
	sched := scheduler.New(scheduler.Config{
		Cadence:           cadence,
		Session:           session,
		ReconcileInterval: cfg.Schedule.ReconcileInterval.Duration,
	}, lg, orders, hub, targets, sectors)

	// --- API and WebSocket hub ---
	wsHub := api.NewWSHub()
	svc := api.NewService(api.Deps{
		Portfolio:  lg,
		Orders:     orders,
		Quotes:     hub,
		Targets:    targets,
		Supervisor: sched,
		Sectors:    sectors,
		Hub:        wsHub,
	})
	orders.OnChange(svc.OrderUpdated)
	sched.OnEvent(svc.SchedulerEvent)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router(svc),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lg.Run(gctx) })
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sub := hub.Subscribe()
		defer sub.Close()
		paper.Follow(sub.All(gctx))
		return nil
	})
	g.Go(func() error { return marketData(gctx, cfg, hub, lg, orders) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		slog.Info("execution-engine listening", "port", cfg.Server.Port, "account", cfg.Account.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down execution-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore selects Postgres, SQLite or memory, wrapping a durable primary
// with the Redis read-through cache when configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.Storage.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL.Duration)
		slog.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}

// marketData streams quotes when a stream URL is configured and polls the
// quote provider's REST endpoint when a quote URL is. Both follow the
// configured symbols plus every held or working symbol as those change.
func marketData(ctx context.Context, cfg *config.Config, hub *marketdata.Hub, lg *ledger.Ledger, orders *order.Manager) error {
	symbols := func() []string {
		return watchlist(cfg.MarketData.Symbols, lg.Symbols(), orders.OpenSymbols())
	}
	g, ctx := errgroup.WithContext(ctx)
	if cfg.MarketData.StreamURL != "" {
		client := marketdata.NewStreamClient(cfg.MarketData.StreamURL, symbols, marketdata.NewNormalizer(), hub)
		slog.Info("streaming market data", "url", cfg.MarketData.StreamURL)
		g.Go(func() error { return client.Run(ctx) })
	}
	if cfg.MarketData.QuoteURL != "" {
		quotes := marketdata.NewQuoteClient(cfg.MarketData.QuoteURL, marketdata.NewNormalizer())
		poller := marketdata.NewPoller(quotes, hub, symbols,
			cfg.MarketData.PollInterval.Duration, cfg.Orders.CallTimeout.Duration)
		slog.Info("polling market data", "url", cfg.MarketData.QuoteURL, "interval", cfg.MarketData.PollInterval.Duration)
		g.Go(func() error { return poller.Run(ctx) })
	}
	return g.Wait()
}

// watchlist is the sorted union of the configured symbols, every held
// symbol and every symbol with a working order.
func watchlist(lists ...[]string) []string {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, s := range list {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func orderConfig(cfg *config.Config) order.Config {
	return order.Config{
		MaxSubmitAttempts: cfg.Orders.MaxSubmitAttempts,
		BackoffMin:        cfg.Orders.BackoffMin.Duration,
		BackoffMax:        cfg.Orders.BackoffMax.Duration,
		CallTimeout:       cfg.Orders.CallTimeout.Duration,
		AckTimeout:        cfg.Orders.AckTimeout.Duration,
		MarketBuffer:      decimal.NewFromFloat(cfg.Orders.MarketBuffer),
	}
}

func cadenceOf(cfg *config.Config) (scheduler.Cadence, error) {
	hour, minute, err := cfg.ClockTime()
	if err != nil {
		return scheduler.Cadence{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return scheduler.Cadence{}, err
	}
	wd, err := cfg.ScheduleWeekday()
	if err != nil {
		return scheduler.Cadence{}, err
	}
	return scheduler.Cadence{
		Weekly:  strings.EqualFold(cfg.Schedule.Cadence, "weekly"),
		Weekday: wd,
		Hour:    hour,
		Minute:  minute,
		Loc:     loc,
	}, nil
}

func sessionOf(cfg *config.Config) (scheduler.Session, error) {
	openAt, closeAt, err := cfg.Session()
	if err != nil {
		return scheduler.Session{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return scheduler.Session{}, err
	}
	return scheduler.Session{Open: openAt, Close: closeAt, Loc: loc}, nil
}

func router(svc *api.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the operator console.
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
		w.Write([]byte(`{"status":"ok","service":"execution-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Order submission may wait on broker retries; everything else is quick.
		r.Use(middleware.Timeout(30 * time.Second))
		svc.Routes(r)
	})
	return r
}
