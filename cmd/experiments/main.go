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

	"github.com/feedstack/recommender/internal/auth/apikey"
	"github.com/feedstack/recommender/internal/experiment"
	"github.com/feedstack/recommender/pkg/config"
	"github.com/feedstack/recommender/pkg/health"
	"github.com/feedstack/recommender/pkg/kafka"
	"github.com/feedstack/recommender/pkg/logger"
	"github.com/feedstack/recommender/pkg/metrics"
	"github.com/feedstack/recommender/pkg/middleware"
	"github.com/feedstack/recommender/pkg/postgres"
	pkgredis "github.com/feedstack/recommender/pkg/redis"
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
	slog.Info("starting experiment admin service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var expStore experiment.Store
	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, using in-memory experiment store", "error", err)
		expStore = experiment.NewMemoryStore()
	} else {
		defer pg.Close()
		expStore = experiment.NewPGStore(pg)
		slog.Info("postgres connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	var assignmentCache experiment.AssignmentCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, using in-memory assignment cache", "error", err)
		assignmentCache = experiment.NewMemoryCache()
	} else {
		defer redisClient.Close()
		assignmentCache = experiment.NewRedisCache(redisClient)
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	m := metrics.New()
	metricsShutdown := func(context.Context) error { return nil }
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}
	defer metricsShutdown(context.Background())

	changeProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ExperimentChanges)
	defer changeProducer.Close()

	bucketer := experiment.NewBucketer(cfg.Experiments.HashSeed)
	expService := experiment.NewService(expStore, assignmentCache, bucketer,
		experiment.WithTTL(cfg.Experiments.AssignmentCacheTTL),
		experiment.WithMetrics(m),
		experiment.WithChangeProducer(changeProducer),
	)

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

	expHandler := experiment.NewHandler(expService)

	var adminGate func(http.HandlerFunc) http.HandlerFunc
	if cfg.Admin.RequireAPIKey {
		if pg == nil {
			slog.Error("admin api keys require postgres")
			os.Exit(1)
		}
		validator := apikey.NewValidator(pg)
		adminGate = func(next http.HandlerFunc) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				key := r.Header.Get("X-API-Key")
				if key == "" {
					http.Error(w, `{"error":"missing api key"}`, http.StatusUnauthorized)
					return
				}
				if _, err := validator.Validate(r.Context(), key); err != nil {
					http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				next(w, r)
			}
		}
	} else {
		adminGate = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/experiments", adminGate(expHandler.Collection))
	mux.HandleFunc("/experiments/", adminGate(expHandler.Item))
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

	slog.Info("experiment admin service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("experiment admin service stopped")
}
