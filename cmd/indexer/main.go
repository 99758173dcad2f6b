package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file; defaults and SP_* env vars apply without one")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("indexer service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting indexer service",
		"num_shards", cfg.Indexer.NumShards,
		"data_dir", cfg.Indexer.DataDir,
		"port", cfg.Server.Port,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdown := metrics.StartServer(cfg.Metrics.Port, metrics.Handler())
		defer shutdown(context.Background())
	}

	checker := health.NewChecker()
	opts := []indexer.Option{indexer.WithMetrics(m)}

	var checkpoints *checkpoint.Store
	if cfg.Postgres.Host != "" {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		if checkpoints, err = checkpoint.New(ctx, db); err != nil {
			return err
		}
		opts = append(opts, indexer.WithCheckpointer(checkpoints))
		checker.Register("postgres", health.Ping(db.Ping))
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.IndexComplete != "" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
		defer producer.Close()
		opts = append(opts, indexer.WithNotifier(indexer.NewKafkaNotifier(producer)))
	}

	router, err := shard.NewRouter(cfg.Indexer, opts...)
	if err != nil {
		return fmt.Errorf("creating shard router: %w", err)
	}
	defer router.Close()
	m.Shards(router.NumShards())
	checker.Register("index", router.HealthCheck)
	if checkpoints != nil {
		verifyCheckpoints(ctx, router, checkpoints)
	}

	var queryCache *cache.QueryCache
	if cfg.Redis.Addr != "" {
		rc, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching disabled", "error", err)
		} else {
			defer rc.Close()
			queryCache = cache.New(rc, cfg.Redis.CacheTTL, m)
			checker.Register("redis", health.Ping(rc.Ping))
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	exec := executor.New(router, executor.WithShardTimeout(cfg.Search.TimeoutPerShard))
	h := handler.New(exec, router, queryCache, m, cfg.Search)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RateLimit(middleware.NewWriteLimiter(cfg.Server.WriteRate, cfg.Server.WriteBurst))(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowOrigins))(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		router.Run(gctx)
		return nil
	})
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.IndexRecords != "" {
		c := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexRecords,
			cfg.Indexer.BatchSize, cfg.Indexer.BatchDelay, consumer.HandleBatch(router))
		slog.Info("consuming index records",
			"topic", cfg.Kafka.Topics.IndexRecords,
			"group", cfg.Kafka.ConsumerGroup,
		)
		g.Go(func() error { return c.Start(gctx) })
	}
	g.Go(func() error {
		slog.Info("indexer api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// verifyCheckpoints warns about shards whose durable version is behind the
// last recorded checkpoint, which means flushed data was lost and the
// record stream must be replayed from an earlier offset.
func verifyCheckpoints(ctx context.Context, router *shard.Router, store *checkpoint.Store) {
	recorded, err := store.All(ctx)
	if err != nil {
		slog.Warn("loading checkpoints failed", "error", err)
		return
	}
	for _, e := range router.Engines() {
		want, ok := recorded[e.Shard()]
		if !ok {
			continue
		}
		if have := e.Version(); have < want {
			slog.Warn("index is behind its checkpoint",
				"shard_id", e.Shard(),
				"version", have,
				"checkpoint", want,
			)
		}
	}
}
