// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health checks for warden.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.ParseLevel(cfg.LogLevel), os.Stdout)
//	logger.WithField("component", "keys").Info("rotation complete")
//
// Request-scoped logging picks up request, user, session and trace IDs:
//
//	observability.FromContext(ctx).Warn("refresh rejected")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
//
// HTTP metrics are labelled with the mux route template, never the raw path.
//
// # Health Checks
//
// Readiness fails when the shared store is unreachable. The audit database
// only degrades the instance.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "warden",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
