package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/keys"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/token"
	"github.com/platinummonkey/warden/pkg/twofactor"
	"github.com/platinummonkey/warden/pkg/warden"
	"github.com/platinummonkey/warden/pkg/webhooks"
)

// application holds the process-wide components.
type application struct {
	store    *kv.RedisStore
	keys     *keys.Manager
	sessions *session.Store
	service  *warden.Service
	recorder *audit.Recorder
	metrics  *observability.Metrics

	auditDB  *audit.DBLogger
	auditSQL *sql.DB
	usersSQL *sql.DB
}

func build(ctx context.Context, cfg *config.Config, registry prometheus.Registerer, logger *observability.Logger, log *logrus.Logger) (*application, error) {
	app := &application{metrics: observability.NewMetrics(registry)}

	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return nil, err
	}

	app.store, err = kv.NewRedisStore(cfg.Redis)
	if err != nil {
		return nil, err
	}
	store := func(component string) kv.Store {
		return kv.Instrument(app.store, component, app.metrics, otelMetrics)
	}

	if err := app.buildAudit(cfg.Audit, logger); err != nil {
		app.Close()
		return nil, err
	}

	seed, err := cfg.MasterKeySeed()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.keys = keys.NewManager(keys.Config{
		GracePeriod: cfg.Keys.GracePeriod,
		Store:       store("keys"),
		Auditor:     app.recorder,
		Logger:      logger,
		Metrics:     app.metrics,
	})
	km, err := app.keys.Initialize(ctx, seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		// no usable key material: nothing can be signed or verified
		log.WithError(err).Fatal("Key manager initialization failed")
	}
	if seed == nil {
		log.Warn("No master key configured; generated one for this process. Tokens will not survive a restart.")
	}
	log.WithFields(logrus.Fields{
		"fingerprint": km.Fingerprint(),
		"shared":      seed != nil,
	}).Info("Key material initialized")

	users, err := app.buildUsers(ctx, cfg.Identity, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.sessions, err = session.NewStore(store("session"), session.Config{
		Timeout:   cfg.Sessions.Timeout,
		IdleAfter: cfg.Sessions.IdleAfter,
		Auditor:   app.recorder,
		Logger:    logger,
		Metrics:   app.metrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	tokens, err := token.NewService(app.keys, app.sessions, store("token"), token.Config{
		AccessTTL:  cfg.Tokens.AccessTTL,
		RefreshTTL: cfg.Tokens.RefreshTTL,
		Issuer:     cfg.Tokens.Issuer,
		Auditor:    app.recorder,
		Logger:     logger,
		Metrics:    app.metrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	tf, err := twofactor.NewAuthenticator(store("twofactor"), twofactor.Config{
		Issuer:     cfg.TwoFactor.Issuer,
		PendingTTL: cfg.TwoFactor.PendingTTL,
		Auditor:    app.recorder,
		Logger:     logger,
		Metrics:    app.metrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	detector, err := threat.NewDetector(store("threat"), threat.Config{Auditor: app.recorder, Logger: logger, Metrics: app.metrics})
	if err != nil {
		app.Close()
		return nil, err
	}
	limiter, err := threat.NewLimiter(store("ratelimit"), threat.LimiterConfig{Auditor: app.recorder, Logger: logger, Metrics: app.metrics})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.service, err = warden.New(warden.Config{
		KV:          store("warden"),
		Users:       users,
		Hasher:      identity.NewHasher(cfg.Identity.BcryptCost),
		Sessions:    app.sessions,
		Tokens:      tokens,
		TwoFactor:   tf,
		Detector:    detector,
		Limiter:     limiter,
		Auditor:     app.recorder,
		Logger:      logger,
		Metrics:     app.metrics,
		OTelMetrics: otelMetrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) buildAudit(cfg config.AuditConfig, logger *observability.Logger) error {
	var sinks []audit.Logger
	if cfg.FileDir != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.FileDir
		fl, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return err
		}
		sinks = append(sinks, fl)
	}
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		app.auditSQL = db
		if app.auditDB, err = audit.NewDBLogger(db); err != nil {
			return err
		}
		sinks = append(sinks, app.auditDB)
	}

	alerts := logger.WithField("component", "alerts")
	observers := []audit.Observer{
		audit.ObserverFunc(func(_ context.Context, e *audit.Event) error {
			alerts.WithFields(map[string]interface{}{
				"event_id":   e.ID,
				"event_type": string(e.EventType),
				"user_id":    e.UserID(),
			}).Warn("security alert")
			return nil
		}),
	}
	if cfg.AlertWebhookURL != "" {
		sender, err := webhooks.NewSender(webhooks.Config{
			URL:    cfg.AlertWebhookURL,
			Secret: cfg.AlertWebhookSecret,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		observers = append(observers, sender)
	}
	notifier := audit.NewNotifier(audit.NotifierConfig{Logger: logger}, observers...)

	app.recorder = audit.NewRecorder(audit.RecorderConfig{
		Store:       audit.NewMemoryStore(cfg.Capacity, cfg.Retention),
		Sinks:       sinks,
		SinkBuffer:  cfg.SinkBuffer,
		SinkTimeout: cfg.SinkTimeout,
		Notifier:    notifier,
		Logger:      logger,
		Metrics:     app.metrics,
	})
	return nil
}

func (app *application) buildUsers(ctx context.Context, cfg config.IdentityConfig, log *logrus.Logger) (identity.Store, error) {
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open user database: %w", err)
		}
		app.usersSQL = db
		users := identity.NewSQLStore(db)
		if err := users.Migrate(ctx); err != nil {
			return nil, err
		}
		return users, nil
	}

	if cfg.UsersFile == "" {
		log.Warn("No user store configured; every login will be rejected")
		return identity.NewMemoryStore()
	}
	f, err := os.Open(cfg.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open users file: %w", err)
	}
	defer f.Close()
	return identity.LoadUsers(f)
}

// Close releases stores in reverse order of acquisition.
func (app *application) Close() error {
	var errs []error
	if app.recorder != nil {
		errs = append(errs, app.recorder.Close())
	}
	if app.usersSQL != nil {
		errs = append(errs, app.usersSQL.Close())
	}
	if app.auditSQL != nil {
		errs = append(errs, app.auditSQL.Close())
	}
	if app.store != nil {
		errs = append(errs, app.store.Close())
	}
	return errors.Join(errs...)
}
