// Cachestream demo binary.
//
// Wires a single StreamManager and cache Store against one MongoDB
// collection and exposes health/metrics/status endpoints, the way
// cmd/stream wired a multi-watcher stream processor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.cachestream.dev/internal/cache"
	"go.cachestream.dev/internal/cachestream"
	"go.cachestream.dev/internal/cachestream/checkpoint"
	"go.cachestream.dev/internal/common/health"
	"go.cachestream.dev/internal/common/lifecycle"
	commonmongo "go.cachestream.dev/internal/common/mongo"
	"go.cachestream.dev/internal/common/tsid"
	"go.cachestream.dev/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("CACHESTREAM_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting cachestream", "version", version, "build_time", buildTime)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	mongoClient, err := commonmongo.Connect(ctx, cfg.MongoDB)
	if err != nil {
		slog.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return mongoClient.Ping(ctx)
	}))

	indexer := commonmongo.NewIndexInitializer(mongoClient)
	if err := indexer.Initialize(ctx); err != nil {
		slog.Warn("failed to ensure indexes", "error", err)
	}

	collection := mongoClient.Collection(cfg.MongoDB.Collection)
	store := cache.NewStore(cfg.MongoDB.Collection, mongoClient.RawClient(), collection,
		cfg.Serializer.MaxQueuedUpdates, cfg.Serializer.ShutdownTimeout)

	opTime, err := store.LoadAll(ctx)
	if err != nil {
		slog.Error("failed to perform initial cache load", "error", err)
		os.Exit(1)
	}

	checkpointStore, err := buildCheckpointStore(cfg)
	if err != nil {
		slog.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}

	manager := cachestream.NewStreamManager(cachestream.Config{
		Name:                   cfg.MongoDB.Collection,
		Collection:             collection,
		CheckpointKey:          cfg.MongoDB.Collection,
		Checkpoint:             checkpointStore,
		MaxBufferedEvents:      cfg.Stream.MaxBufferedEvents,
		MaxRetries:             cfg.Stream.MaxRetries,
		InitialRetryDelay:      cfg.Stream.InitialRetryDelay,
		MaxRetryDelay:          cfg.Stream.MaxRetryDelay,
		EventProcessingTimeout: cfg.Stream.EventProcessingTimeout,
	}, store)

	healthChecker.AddReadinessCheck(health.StreamManagerCheck(
		cfg.MongoDB.Collection,
		func() string { return manager.GetCurrentState().String() },
		manager.GetConsecutiveFailures,
	))

	if err := manager.Start(ctx, &opTime); err != nil {
		slog.Error("failed to start stream manager", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(tsidRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/stream/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state":%q,"consecutiveFailures":%d}`,
			manager.GetCurrentState().String(), manager.GetConsecutiveFailures())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpService := lifecycle.NewHTTPService("http", server)
	streamService := newStreamManagerService(cfg.MongoDB.Collection, manager)

	var loadGen *loadGenerator
	if cfg.LoadGen.Enabled {
		slog.Info("synthetic load generator enabled", "key_pool_size", cfg.LoadGen.KeyPoolSize, "rate_per_minute", cfg.LoadGen.RatePerMinute)
		loadGen = newLoadGenerator(cfg.LoadGen, store)
	}

	services := []lifecycle.Service{streamService, httpService}
	if loadGen != nil {
		services = append(services, loadGen)
	}
	for _, svc := range services {
		go func(svc lifecycle.Service) {
			if err := svc.Start(ctx); err != nil {
				slog.Error("service exited with error", "service", svc.Name(), "error", err)
			}
		}(svc)
	}

	// Shutdown is orchestrated in phases rather than all at once: the HTTP
	// server stops taking traffic first, then the stream/cache workers
	// drain, then the database connection closes last.
	shutdownManager := lifecycle.NewManager()
	shutdownManager.SetShutdownTimeout(35 * time.Second)
	shutdownManager.RegisterHTTPShutdown(httpService.Name(), httpService.Stop)
	shutdownManager.RegisterWorkerShutdown(streamService.Name(), streamService.Stop)
	if loadGen != nil {
		shutdownManager.RegisterWorkerShutdown(loadGen.Name(), loadGen.Stop)
	}
	shutdownManager.RegisterWorkerShutdown("cache-store", func(ctx context.Context) error {
		store.Close()
		return nil
	})
	shutdownManager.RegisterDatabaseShutdown("mongodb", func(ctx context.Context) error {
		return mongoClient.Disconnect(ctx)
	})

	shutdownManager.WaitForSignal()
	cancel()

	if err := shutdownManager.Execute(); err != nil {
		slog.Error("cachestream shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}

	slog.Info("cachestream stopped")
}

func buildCheckpointStore(cfg *config.Config) (cachestream.CheckpointStore, error) {
	switch cfg.Stream.CheckpointBackend {
	case "redis":
		return checkpoint.NewRedisStore(&checkpoint.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Stream.CheckpointBackend)
	}
}

// tsidRequestID stamps each request with a time-sortable ID (instead of
// chi's default UUID-based middleware.RequestID), stored under the same
// context key so downstream handlers and logging can still read it via
// middleware.GetReqID. Sortability makes request IDs useful for
// correlating a burst of log lines by arrival order without a separate
// trace store.
func tsidRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := tsid.Generate()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// streamManagerService adapts a cachestream.StreamManager to
// lifecycle.Service so it is supervised alongside the HTTP server.
type streamManagerService struct {
	name    string
	manager *cachestream.StreamManager
}

func newStreamManagerService(name string, manager *cachestream.StreamManager) *streamManagerService {
	return &streamManagerService{name: name, manager: manager}
}

func (s *streamManagerService) Name() string { return s.name }

// Start is a no-op: the manager is started eagerly in main so the initial
// cache load and first Watch happen before the HTTP server starts
// accepting readiness checks. This just blocks until ctx is cancelled.
func (s *streamManagerService) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *streamManagerService) Stop(ctx context.Context) error {
	return s.manager.Stop()
}

func (s *streamManagerService) Health() error {
	state := s.manager.GetCurrentState()
	if state == cachestream.StateFailed || state == cachestream.StateShutdown {
		return fmt.Errorf("stream manager unhealthy: %s", state)
	}
	return nil
}
