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

	"github.com/incredibeau/specific-affinity/internal/cache"
	"github.com/incredibeau/specific-affinity/internal/events"
	"github.com/incredibeau/specific-affinity/internal/events/collector"
	"github.com/incredibeau/specific-affinity/internal/registry"
	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/internal/server"
	"github.com/incredibeau/specific-affinity/internal/store"
	"github.com/incredibeau/specific-affinity/pkg/config"
	"github.com/incredibeau/specific-affinity/pkg/health"
	"github.com/incredibeau/specific-affinity/pkg/kafka"
	"github.com/incredibeau/specific-affinity/pkg/logger"
	"github.com/incredibeau/specific-affinity/pkg/metrics"
	"github.com/incredibeau/specific-affinity/pkg/postgres"
	pkgredis "github.com/incredibeau/specific-affinity/pkg/redis"
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
	slog.Info("starting resolver service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	st := store.New(pg)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	var matchCache *cache.MatchCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, match caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		matchCache = cache.New(redisClient, cfg.Redis.CacheTTL)
		slog.Info("match cache enabled",
			"addr", cfg.Redis.Addr,
			"ttl", cfg.Redis.CacheTTL,
		)
	}

	baseCfg := resolve.Config{
		SimilarityThreshold: cfg.Matcher.SimilarityThreshold,
		StopWords:           cfg.Matcher.StopWords,
		MinTokenLength:      cfg.Matcher.MinTokenLength,
		Workers:             cfg.Matcher.Workers,
	}
	snapshotDir := ""
	if cfg.Snapshot.Enabled {
		snapshotDir = cfg.Snapshot.Dir
	}
	reg := registry.New(baseCfg, snapshotDir)
	if recovered, err := reg.Recover(); err != nil {
		slog.Error("snapshot recovery failed", "error", err)
		os.Exit(1)
	} else if recovered > 0 {
		slog.Info("datasets recovered from snapshots", "count", recovered)
	}

	m := metrics.New()
	m.ActiveDatasets.Set(float64(reg.Len()))
	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ResolutionEvents)
	defer producer.Close()
	coll := collector.NewBatchCollector(producer, 100, 0)
	coll.Start(ctx)
	defer coll.Close()
	slog.Info("event collector started", "topic", cfg.Kafka.Topics.ResolutionEvents)

	// The consumer's handler needs the aggregator and the aggregator owns
	// the consumer, so the handler resolves the aggregator lazily.
	var aggregator *events.Aggregator
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ResolutionEvents,
		func(ctx context.Context, key, value []byte) error {
			return events.HandleEvent(aggregator)(ctx, key, value)
		})
	aggregator = events.NewAggregator(consumer)
	eventsH := events.NewHandler(aggregator)
	go func() {
		if err := aggregator.Start(ctx); err != nil {
			slog.Error("event aggregator error", "error", err)
		}
	}()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
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
	checker.Register("registry", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d datasets", reg.Len()),
		}
	})

	h := server.New(reg, st, matchCache, coll, m, cfg.Matcher, cfg.Categorize)
	chain := server.Routes(h, checker, m, eventsH.Stats, cfg.Server.WriteTimeout)

	srv := &http.Server{
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
		if err := reg.SaveAll(); err != nil {
			slog.Error("final snapshot save failed", "error", err)
		}
		if metricsShutdown != nil {
			if err := metricsShutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("resolver service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("resolver service stopped")
}
