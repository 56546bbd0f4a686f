package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/api"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/scheduler"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := build(ctx, cfg, registry, logger, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize warden")
	}
	shutdown.Register("stores", func(context.Context) error { return app.Close() })

	var cleaner scheduler.AuditCleaner
	if app.auditDB != nil {
		cleaner = app.auditDB
	}
	sched, err := scheduler.New(scheduler.Config{
		Keys:             app.keys,
		RotationSchedule: cfg.Keys.RotationSchedule,
		RotationInterval: cfg.Keys.RotationInterval,
		Sessions:         app.sessions,
		SweepSchedule:    cfg.Sessions.SweepSchedule,
		Audit:            cleaner,
		AuditRetention:   cfg.Audit.Retention,
		CleanupSchedule:  cfg.Audit.CleanupSchedule,
		Logger:           log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create scheduler")
	}
	sched.Start()
	shutdown.Register("scheduler", sched.Stop)

	apiConfig := api.Config{
		Service:    app.service,
		Audit:      app.recorder.Store(),
		Logger:     logger,
		TrustProxy: cfg.Server.TrustProxy,
		Tracing:    cfg.Observability.OTelEnabled,
	}
	if cfg.Observability.MetricsEnabled {
		apiConfig.Metrics = app.metrics
	}
	apiServer, err := api.NewServer(apiConfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to create API server")
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.Register("api server", srv.Shutdown)

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, observability.NewHealthChecker(app.store, app.auditSQL))
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthSrv := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthRouter,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	shutdown.Register("health server", healthSrv.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("Starting warden API server")
		return serve(srv)
	})
	g.Go(func() error {
		log.WithField("addr", healthSrv.Addr).Info("Starting health server")
		return serve(healthSrv)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		return shutdown.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("warden exited with error")
		os.Exit(1)
	}
	log.Info("warden stopped")
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
