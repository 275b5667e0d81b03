// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks, and graceful shutdown plumbing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, nil)
//	logger.WithField("org_id", orgID).Info("organization created")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthzChecksTotal.WithLabelValues("allowed").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	router.HandleFunc("/health", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg.OTel(), logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
