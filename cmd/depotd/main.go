package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/depot-registry/depot/pkg/api"
	"github.com/depot-registry/depot/pkg/audit"
	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/authz/permcache"
	"github.com/depot-registry/depot/pkg/config"
	"github.com/depot-registry/depot/pkg/dbschema"
	"github.com/depot-registry/depot/pkg/jobs"
	"github.com/depot-registry/depot/pkg/members"
	"github.com/depot-registry/depot/pkg/observability"
	"github.com/depot-registry/depot/pkg/orgs"
	"github.com/depot-registry/depot/pkg/packages"
	"github.com/depot-registry/depot/pkg/roles"
	"github.com/depot-registry/depot/pkg/sessions"
	"github.com/depot-registry/depot/pkg/storage"
	"github.com/depot-registry/depot/pkg/users"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "depotd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting depotd")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("initializing OpenTelemetry: %w", err)
	}

	// Database.
	connManager, err := storage.NewConnectionManager(storage.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: cfg.Database.ReplicaURLList(),
		MaxConns:    cfg.Database.MaxOpenConns,
		MinConns:    cfg.Database.MaxIdleConns,
		MaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	db := connManager.Primary()
	connManager.StartHealthCheckRoutine(ctx, cfg.Database.HealthCheckInterval)

	if err := dbschema.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Artifact storage.
	artifacts, err := newArtifactStore(ctx, cfg.Artifacts, metrics)
	if err != nil {
		return fmt.Errorf("initializing artifact storage: %w", err)
	}
	logger.WithField("backend", cfg.Artifacts.Backend).Info("artifact storage ready")

	// Permission resolution: resolver over the read replicas, in-process
	// cache, optional Redis invalidation fan-out across replicas.
	cache := permcache.New(authz.NewStoreResolver(connManager.ReadQuerier()), permcache.Config{
		TTL:       cfg.PermCache.TTL,
		MaxWeight: cfg.PermCache.MaxWeight,
		Logger:    logger,
		Metrics:   metrics,
	})
	var invalidator authz.Invalidator = cache

	var redisClient = newRedisClient(cfg, logger)
	if redisClient != nil {
		fanout := permcache.NewRedisInvalidator(redisClient, cache, logger)
		go func() {
			if err := fanout.Listen(ctx); err != nil {
				logger.WithError(err).Error("invalidation listener stopped")
			}
		}()
		invalidator = fanout
	}

	// Stores and services.
	auditSink := audit.NewRecorder(db, logger)
	rolesStore := roles.NewStore(db, invalidator)
	if err := rolesStore.Seed(ctx); err != nil {
		return fmt.Errorf("seeding global roles: %w", err)
	}

	sessionManager := sessions.NewManager(db, cfg.Sessions.TTL, logger)
	memberService := members.NewService(db, invalidator, auditSink, logger, metrics)
	orgService := orgs.NewService(db, invalidator, auditSink, logger, metrics)
	userService := users.NewService(db, invalidator, auditSink, logger, metrics)
	packageService := packages.NewService(db, artifacts, auditSink, logger, metrics)

	server := api.NewServer(api.Config{
		Authorizer: authz.NewAuthorizer(cache),
		Roles:      rolesStore,
		Members:    memberService,
		Orgs:       orgService,
		Users:      userService,
		Packages:   packageService,
		Audit:      auditSink,
		Sessions:   sessionManager,
		Health:     observability.NewHealthChecker(db, redisClient),
		Metrics:    metrics,
		Registry:   registry,
		Logger:     logger,
	})

	// Background maintenance.
	var scheduler *jobs.Scheduler
	if cfg.Jobs.Enabled {
		scheduler, err = jobs.NewScheduler(cfg.Jobs, db, sessionManager, cache, metrics, logger)
		if err != nil {
			return fmt.Errorf("scheduling background jobs: %w", err)
		}
		scheduler.Start()
	}

	var handler http.Handler = server
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "depot.http")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if scheduler != nil {
			scheduler.Stop()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return connManager.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}

func newRedisClient(cfg *config.Config, logger *observability.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	client, err := storage.NewRedisClient(storage.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, invalidation fan-out disabled")
		return nil
	}
	return client
}

func newArtifactStore(ctx context.Context, cfg config.ArtifactConfig, metrics *observability.Metrics) (storage.ArtifactStore, error) {
	var (
		inner storage.ArtifactStore
		err   error
	)
	switch cfg.Backend {
	case "s3":
		inner, err = storage.NewS3Store(ctx, storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		inner, err = storage.NewFilesystemStore(cfg.FilesystemRoot)
	}
	if err != nil {
		return nil, err
	}
	return storage.NewInstrumentedStore(inner, cfg.Backend, metrics), nil
}
