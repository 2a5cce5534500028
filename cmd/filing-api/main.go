package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"filing-workflow/internal/api"
	"filing-workflow/internal/autosave"
	"filing-workflow/internal/common/aws"
	"filing-workflow/internal/common/camunda"
	"filing-workflow/internal/common/config"
	"filing-workflow/internal/common/database"
	"filing-workflow/internal/common/events"
	"filing-workflow/internal/common/idempotency"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/common/observability"
	"filing-workflow/internal/common/search"
	"filing-workflow/internal/store"
	"filing-workflow/internal/store/memory"
	"filing-workflow/internal/store/postgres"
	"filing-workflow/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting filing API",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("storage", cfg.Database.Driver),
	)

	ctx := context.Background()

	obs, err := observability.New(cfg.App.Name, nil)
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}
	defer obs.Shutdown(context.Background())

	catalog, err := registry.LoadOrDefault(cfg.Sections.RegistryPath)
	if err != nil {
		zapLog.Fatal("section registry load failed", zap.Error(err))
	}

	// --- Storage ---
	var repo store.Repository
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		var pg *database.PostgresClient
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			zapLog.Fatal("postgres migration failed", zap.Error(err))
		}
		repo = postgres.New(pg)
		zapLog.Info("PostgreSQL connected successfully")
	default:
		repo = memory.New()
		zapLog.Warn("Using in-memory storage; data is lost on restart")
	}

	// --- Search ---
	var indexer search.Indexer = search.NewMemoryIndex()
	if cfg.Database.Elasticsearch.Enabled() {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		esIndex := search.NewElasticIndex(esClient.Client, cfg.Database.Elasticsearch.Index)
		if err := esIndex.EnsureIndex(ctx); err != nil {
			zapLog.Fatal("elasticsearch index setup failed", zap.Error(err))
		}
		indexer = esIndex
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Idempotency ---
	idemTTL := config.GetDuration(cfg.Database.Redis.IdempotencyTTL)
	var idem idempotency.Store = idempotency.NewMemoryStore(idemTTL)
	if cfg.Database.Redis.Address != "" {
		var redis *database.RedisClient
		err = retryWithBackoff(func() error {
			var err error
			redis, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redis.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redis.Close()
		idem = idempotency.NewRedisStore(redis.Client, idemTTL)
		zapLog.Info("Redis connected successfully")
	}

	// --- Event sinks ---
	var sinks events.Multi
	if cfg.Events.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Events.SNS.Region, cfg.Events.SNS.Endpoint)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		if err := snsClient.VerifyTopic(ctx, cfg.Events.SNS.TopicARN); err != nil {
			zapLog.Fatal("sns topic check failed", zap.Error(err))
		}
		sinks = append(sinks, events.NewSNSPublisher(snsClient, cfg.Events.SNS.TopicARN, log))
		zapLog.Info("SNS event sink enabled", zap.String("topic", cfg.Events.SNS.TopicARN))
	}
	if cfg.Events.Zeebe.Enabled {
		var zeebe *camunda.Client
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClient(cfg.Events.Zeebe.GatewayAddress, cfg.Events.Zeebe.MaxRetries)
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()
		sinks = append(sinks, events.NewZeebePublisher(zeebe, config.GetDuration(cfg.Events.Zeebe.MessageTTL), log))
		zapLog.Info("Zeebe event sink enabled", zap.String("gateway", cfg.Events.Zeebe.GatewayAddress))
	}
	var publisher events.Publisher = events.NopPublisher{}
	if len(sinks) > 0 {
		publisher = sinks
	}

	// --- Service ---
	svc, err := store.NewService(store.Config{
		SubmissionThreshold:        cfg.Workflow.SubmissionThreshold,
		SectionCompletionThreshold: cfg.Workflow.SectionCompletionThreshold,
		MaxMergeAttempts:           cfg.Workflow.MaxMergeAttempts,
	}, repo, catalog, log,
		store.WithPublisher(publisher),
		store.WithIndexer(indexer),
		store.WithObservability(obs),
	)
	if err != nil {
		zapLog.Fatal("service init failed", zap.Error(err))
	}

	coordinator := autosave.New(autosave.ConfigFrom(cfg.AutoSave), svc, log)
	go func() {
		for res := range coordinator.Results() {
			if res.Err != nil {
				continue
			}
			zapLog.Debug("Auto-save confirmed",
				zap.String("section", res.Key.String()),
				zap.Strings("paths", res.Paths),
				zap.Int("attempts", res.Attempts),
			)
		}
	}()

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewRateLimiter(cfg.RateLimit, log)
	}
	server := api.NewServer(api.Deps{
		Service:     svc,
		AutoSave:    coordinator,
		Idempotency: idem,
		Auth:        api.NewAuthenticator(cfg.Auth, log),
		RateLimiter: limiter,
		Logger:      log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("API server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("API server failed", zap.Error(err))
		}
	}()

	// --- Health & Metrics Server ---
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	opsMux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ready", http.StatusOK
		if err := svc.Ping(r.Context()); err != nil {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	opsMux.Handle("/metrics", promhttp.Handler())
	opsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.OpsPort), Handler: opsMux}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("addr", opsServer.Addr))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining requests...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down API server", zap.Error(err))
	}
	if err := coordinator.FlushAll(shutdownCtx); err != nil {
		zapLog.Error("Error flushing pending auto-saves", zap.Error(err))
	}
	coordinator.Close()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down health server", zap.Error(err))
	}

	zapLog.Info("Filing API stopped gracefully")
}
