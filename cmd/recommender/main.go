package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/feedstack/recommender/internal/actions"
	"github.com/feedstack/recommender/internal/auth/ratelimit"
	"github.com/feedstack/recommender/internal/effects"
	"github.com/feedstack/recommender/internal/experiment"
	"github.com/feedstack/recommender/internal/recommender"
	"github.com/feedstack/recommender/pkg/config"
	"github.com/feedstack/recommender/pkg/health"
	"github.com/feedstack/recommender/pkg/kafka"
	"github.com/feedstack/recommender/pkg/logger"
	"github.com/feedstack/recommender/pkg/metrics"
	"github.com/feedstack/recommender/pkg/middleware"
	"github.com/feedstack/recommender/pkg/postgres"
	pkgredis "github.com/feedstack/recommender/pkg/redis"
	"github.com/feedstack/recommender/pkg/resilience"
	"github.com/feedstack/recommender/pkg/statsd"
	"github.com/feedstack/recommender/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting recommender service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var actionStore actions.Store
	var expStore experiment.Store
	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, using in-memory stores", "error", err)
		actionStore = actions.NewMemoryStore()
		expStore = experiment.NewMemoryStore()
	} else {
		defer pg.Close()
		actionStore = actions.NewPGStore(pg)
		expStore = experiment.NewPGStore(pg)
		slog.Info("postgres connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	var assignmentCache experiment.AssignmentCache
	var serveCache *effects.ServeCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, using in-memory assignment cache", "error", err)
		assignmentCache = experiment.NewMemoryCache()
	} else {
		defer redisClient.Close()
		assignmentCache = experiment.NewRedisCache(redisClient)
		serveCache = effects.NewServeCache(redisClient, "home", 0)
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	m := metrics.New()
	metricsShutdown := func(context.Context) error { return nil }
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}
	defer metricsShutdown(context.Background())

	statsdClient, err := statsd.New(cfg.Metrics.StatsdAddr, "recommender")
	if err != nil {
		slog.Warn("statsd unavailable, emission disabled", "error", err)
	}
	defer statsdClient.Close()

	bucketer := experiment.NewBucketer(cfg.Experiments.HashSeed)
	expService := experiment.NewService(expStore, assignmentCache, bucketer,
		experiment.WithTTL(cfg.Experiments.AssignmentCacheTTL),
		experiment.WithMetrics(m),
	)

	changeConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ExperimentChanges, experiment.HandleChange(expService))
	go func() {
		if err := changeConsumer.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("experiment change consumer error", "error", err)
		}
	}()

	actionProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.UserActions)
	defer actionProducer.Close()
	collector := actions.NewCollector(actionStore, actionProducer, cfg.Actions.BatchSize, cfg.Actions.FlushInterval)
	collector.Start(ctx)
	defer collector.Close()
	slog.Info("action collector started", "topic", cfg.Kafka.Topics.UserActions)

	var provider recommender.PostProvider = recommender.NewMemoryProvider()
	if cfg.Content.RPCAddr != "" {
		remote, err := recommender.NewRemoteProvider(cfg.Content.RPCAddr)
		if err != nil {
			slog.Error("content service unreachable", "addr", cfg.Content.RPCAddr, "error", err)
			os.Exit(1)
		}
		defer remote.Close()
		provider = remote
		slog.Info("content service connected", "addr", cfg.Content.RPCAddr)
	}

	svc := recommender.NewService(cfg.Pipeline, cfg.Impressions, recommender.Deps{
		Provider:    provider,
		Actions:     actionStore,
		Collector:   collector,
		Experiments: expService,
		ServeCache:  serveCache,
		Metrics:     m,
		Statsd:      statsdClient,
		Tracer:      tracing.NewTracer(cfg.Tracing.Enabled, cfg.Tracing.SampleRate),
	})
	defer svc.Close()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if pg == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("experiment_store", func(ctx context.Context) health.ComponentHealth {
		if expService.BreakerState() == resilience.StateOpen {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit open"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := recommender.NewHandler(svc, collector, 100)
	if cfg.RateLimit.PerUser > 0 {
		h.WithRateLimit(ratelimit.New(cfg.RateLimit.Window), cfg.RateLimit.PerUser)
	}
	expHandler := experiment.NewHandler(expService)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/recommendations", h.Recommend)
	mux.HandleFunc("POST /api/v1/actions", h.LogActions)
	mux.HandleFunc("/experiments", expHandler.Collection)
	mux.HandleFunc("/experiments/", expHandler.Item)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("recommender service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("recommender service stopped")
}
