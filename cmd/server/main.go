// Package main is the entrypoint for the FeedLens API server.
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

	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/internal/analysis"
	"github.com/kiranshivaraju/feedlens/internal/api"
	"github.com/kiranshivaraju/feedlens/internal/api/handler"
	mw "github.com/kiranshivaraju/feedlens/internal/api/middleware"
	"github.com/kiranshivaraju/feedlens/internal/cache"
	"github.com/kiranshivaraju/feedlens/internal/config"
	"github.com/kiranshivaraju/feedlens/internal/metrics"
	"github.com/kiranshivaraju/feedlens/internal/ratelimit"
	"github.com/kiranshivaraju/feedlens/internal/store"
	"github.com/kiranshivaraju/feedlens/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "ai_configured", cfg.AI.Configured(), "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 4. Response cache and rate limiters: Redis when configured, process memory otherwise
	b, err := newBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	// 5. AI gateway
	var provider models.TextGenerator
	if cfg.AI.Configured() {
		provider, err = ai.NewProvider(cfg.AI)
		if err != nil {
			return fmt.Errorf("create AI provider: %w", err)
		}
		slog.Info("AI provider initialized", "provider", provider.Name(), "model", cfg.AI.Model())
	} else {
		slog.Warn("AI provider credentials missing, AI features disabled", "provider", cfg.AI.Provider)
	}

	gateway := ai.NewGateway(provider,
		ai.WithCache(b.responses, cfg.AI.CacheTTL),
		ai.WithLimiter(b.aiLimiter),
		ai.WithRequestTimeout(cfg.AI.RequestTimeout),
		ai.WithModel(cfg.AI.Model()),
		ai.WithMaintenanceInterval(cfg.AI.MaintenanceInterval),
		ai.WithLogger(slog.Default().With("component", "ai_gateway")),
	)

	// 6. Analysis engines
	matcher, err := analysis.NewMatcher(cfg.Clustering.Matching, cfg.Clustering.ThemeThreshold)
	if err != nil {
		return fmt.Errorf("create cluster matcher: %w", err)
	}
	analyzer := analysis.NewAnalyzer(gateway, pgStore)
	clustering := analysis.NewClusteringEngine(gateway, pgStore, analysis.ClusteringOptions{
		Matcher:    matcher,
		Timeout:    cfg.Clustering.Timeout,
		StaleAfter: cfg.Clustering.StaleAfter,
		MaxItems:   cfg.Clustering.MaxItems,
	})
	duplicates := analysis.NewDuplicateDetector(gateway)
	specs := analysis.NewSpecGenerator(gateway)

	// 7. Metrics and background maintenance
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	maintenanceDone := gateway.StartMaintenance(ctx)
	sweepDone := sweepEvery(ctx, cfg.AI.MaintenanceInterval, b.httpLimiter)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(b.httpLimiter),
		Metrics:   promhttp.Handler(),

		HealthHandler:   handler.NewHealthHandler(pgStore, b.pinger),
		AIStatusHandler: handler.NewAIStatusHandler(gateway),

		CreateFeedback:  handler.NewCreateFeedbackHandler(pgStore, duplicates),
		ListFeedback:    handler.NewListFeedbackHandler(pgStore),
		GetFeedback:     handler.NewGetFeedbackHandler(pgStore),
		DeleteFeedback:  handler.NewDeleteFeedbackHandler(pgStore),
		AnalyzeFeedback: handler.NewAnalyzeFeedbackHandler(analyzer),
		Insights:        handler.NewInsightsHandler(pgStore, analyzer),

		ListClusters:  handler.NewListClustersHandler(clustering, gateway),
		ClusterState:  handler.NewClusterStateHandler(clustering),
		DeleteCluster: handler.NewDeleteClusterHandler(pgStore),

		GenerateSpec: handler.NewSpecHandler(specs),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-maintenanceDone
	<-sweepDone

	slog.Info("server stopped gracefully")
	return nil
}

// backends are the stores behind the response cache and both rate limiters.
type backends struct {
	responses   cache.Cache
	aiLimiter   ratelimit.Limiter
	httpLimiter ratelimit.Limiter
	// pinger is checked by the health endpoint; nil for in-process backends.
	pinger handler.Pinger
	close  func()
}

func newBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	if cfg.Redis.URL == "" {
		mc, err := cache.NewMemoryCache(cfg.AI.CacheCapacity)
		if err != nil {
			return nil, fmt.Errorf("create memory cache: %w", err)
		}
		slog.Info("using in-process cache and rate limiters")
		return &backends{
			responses:   mc,
			aiLimiter:   ratelimit.NewSlidingWindow(cfg.AI.RateLimitPerHour, time.Hour),
			httpLimiter: ratelimit.NewSlidingWindow(cfg.Server.RequestsPerMin, time.Minute),
			close:       func() {},
		}, nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	client := redisCache.Client()
	return &backends{
		responses:   redisCache,
		aiLimiter:   ratelimit.NewRedisSlidingWindow(client, "ai", cfg.AI.RateLimitPerHour, time.Hour),
		httpLimiter: ratelimit.NewRedisSlidingWindow(client, "http", cfg.Server.RequestsPerMin, time.Minute),
		pinger:      redisCache,
		close:       func() { redisCache.Close() },
	}, nil
}

// sweepEvery evicts idle windows from l until ctx is cancelled. Limiters that
// expire state on their own are left alone.
func sweepEvery(ctx context.Context, interval time.Duration, l ratelimit.Limiter) <-chan struct{} {
	done := make(chan struct{})
	sw, ok := l.(ratelimit.Sweeper)
	if !ok || interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sw.Sweep(ctx)
				if err != nil {
					slog.Warn("sweeping request windows failed", "error", err)
					continue
				}
				metrics.AddMaintenanceRemoved("http_windows", n)
			}
		}
	}()
	return done
}
