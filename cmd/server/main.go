// Command server runs the document question-answering service: the
// HTTP API, the ingestion worker pool, the embedding backfill sweeper,
// periodic maintenance and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/api"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/cache"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/embedding"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/filestore"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/ingest"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/keypool"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/llm"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/query"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/repository"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/retrieval"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewStandardLoggerWithLevel("docqa", cfg.Service.LogLevel)
	metrics := observability.NewPrometheusMetricsClient("docqa")
	defer func() {
		_ = metrics.Close()
	}()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "docqa",
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	if err := runMigrations(cfg, logger); err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	redisCache := connectRedis(cfg, logger)

	pool, err := keypool.New(cfg.KeyPool, logger, metrics)
	if err != nil {
		return fmt.Errorf("create key pool: %w", err)
	}
	defer pool.Close()

	files, err := newFileStore(cfg)
	if err != nil {
		return err
	}

	embedClient := embedding.NewClient(
		embedding.NewHTTPProvider(cfg.Embedding), pool, cfg.Embedding.BatchSize,
		logger, metrics,
		embedding.WithAcquireTimeout(cfg.Sweeper.AcquireTimeout),
	)
	llmClient := llm.NewClient(
		llm.NewHTTPProvider(cfg.LLM), pool, cfg.LLM.MaxOutputTokens,
		logger, metrics,
		llm.WithAcquireTimeout(cfg.LLM.AcquireTimeout),
	)

	documents := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)
	jobs := repository.NewJobRepository(db)
	history := repository.NewHistoryRepository(db)
	cacheRows := repository.NewCacheRepository(db)
	keyUsage := repository.NewKeyUsageRepository(db)

	queryCache := cache.NewQueryCache(redisCache, cacheRows, cfg.Cache, logger, metrics)
	retriever := retrieval.NewHybridRetriever(chunks, cfg.Retrieval, logger, metrics)
	orchestrator := query.NewOrchestrator(queryCache, embedClient, retriever, llmClient,
		documents, history, cfg.Retrieval, cfg.LLM, logger, metrics)

	workers := ingest.NewWorkerPool(jobs, documents, chunks, files, cfg.Ingestion, logger, metrics)
	sweeper := ingest.NewSweeper(chunks, documents, embedClient, cfg.Sweeper,
		cfg.Embedding.BatchSize, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers.Start(ctx)
	go sweeper.Run(ctx)

	scheduler := startMaintenance(ctx, queryCache, jobs, keyUsage, pool, logger)

	apiServer := startAPIServer(cfg, api.NewServer(orchestrator, documents, jobs, files,
		cfg.Ingestion.MaxAttempts, logger), logger)
	metricsServer := startMetricsServer(cfg, db, logger)

	logger.Info("Service started", map[string]interface{}{
		"api_port":     cfg.Service.APIPort,
		"metrics_port": cfg.Service.MetricsPort,
		"pool_size":    cfg.Ingestion.WorkerPoolSize,
		"keys":         pool.Size(),
	})

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	workers.Stop()
	scheduler.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Service stopped", nil)
	return nil
}

func runMigrations(cfg *config.Config, logger observability.Logger) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.Database, cfg.Database.SSLMode)

	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("Migrations applied", nil)
	return nil
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// connectRedis returns nil when Redis is unreachable; the query cache
// degrades to its durable tier alone.
func connectRedis(cfg *config.Config, logger observability.Logger) *cache.RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.Database,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, exact-match cache tier disabled", map[string]interface{}{
			"address": cfg.Redis.Address,
			"error":   err.Error(),
		})
		return nil
	}
	return cache.NewRedisCache(client, "docqa", logger)
}

func newFileStore(cfg *config.Config) (filestore.Store, error) {
	switch cfg.FileStore.Backend {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := filestore.NewS3Store(ctx, cfg.FileStore)
		if err != nil {
			return nil, fmt.Errorf("create s3 file store: %w", err)
		}
		return store, nil
	case "local", "":
		store, err := filestore.NewLocalStore(cfg.FileStore.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("create local file store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown file store backend %q", cfg.FileStore.Backend)
	}
}

func startAPIServer(cfg *config.Config, srv *api.Server, logger observability.Logger) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.APIPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return server
}

// startMaintenance schedules cache eviction, stale lease recovery and key
// usage snapshots
func startMaintenance(ctx context.Context, queryCache *cache.QueryCache, jobs *repository.JobRepository, keyUsage *repository.KeyUsageRepository, pool *keypool.Pool, logger observability.Logger) *cron.Cron {
	scheduler := cron.New()

	_, _ = scheduler.AddFunc("@every 10m", func() {
		if _, err := queryCache.EvictExpired(ctx); err != nil {
			logger.Error("Cache eviction failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})

	_, _ = scheduler.AddFunc("@every 1m", func() {
		if err := keyUsage.RecordSnapshot(ctx, pool.Stats()); err != nil {
			logger.Warn("Key usage snapshot failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})

	_, _ = scheduler.AddFunc("@every 2m", func() {
		n, err := jobs.ReleaseStale(ctx)
		if err != nil {
			logger.Error("Stale job release failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if n > 0 {
			logger.Warn("Requeued stale jobs", map[string]interface{}{
				"count": n,
			})
		}
	})

	scheduler.Start()
	return scheduler
}

func startMetricsServer(cfg *config.Config, db *sqlx.DB, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return server
}

func waitForShutdown(logger observability.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("Shutdown signal received", map[string]interface{}{
		"signal": received.String(),
	})
}
