// Package scheduler runs the periodic maintenance jobs of the auth core:
// key rotation, the session sweep and audit retention cleanup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/session"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = time.Minute

// KeyRotator rotates key material once it is old enough.
type KeyRotator interface {
	RotateIfDue(ctx context.Context, interval time.Duration) (bool, error)
}

// SessionSweeper moves inactive sessions to idle or expired.
type SessionSweeper interface {
	Sweep(ctx context.Context) (session.SweepResult, error)
}

// AuditCleaner deletes durable audit events older than a cutoff.
type AuditCleaner interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config wires a Scheduler. Keys and Sessions are required; the audit
// cleanup job is only registered when Audit is set.
type Config struct {
	Keys             KeyRotator
	RotationSchedule string
	RotationInterval time.Duration

	Sessions      SessionSweeper
	SweepSchedule string

	Audit           AuditCleaner
	AuditRetention  time.Duration
	CleanupSchedule string

	JobTimeout time.Duration
	Clock      clockwork.Clock
	// Logger receives job logs. A failed key rotation is logged at fatal
	// level, so the process exits through Logger.ExitFunc.
	Logger *logrus.Logger
}

type job struct {
	name     string
	schedule string
	run      func(context.Context)
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	logger *logrus.Logger
}

// New validates the schedules and registers the jobs. Nothing runs until
// Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Keys == nil || cfg.Sessions == nil {
		return nil, errors.New("scheduler: key rotator and session sweeper are required")
	}
	if cfg.RotationInterval <= 0 {
		return nil, errors.New("scheduler: rotation interval must be positive")
	}
	if cfg.Audit != nil && cfg.AuditRetention <= 0 {
		return nil, errors.New("scheduler: audit retention must be positive")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	cronLog := cron.PrintfLogger(cfg.Logger)
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		cfg:    cfg,
		logger: cfg.Logger,
	}

	jobs := []job{
		{"key rotation", cfg.RotationSchedule, s.RotateKeys},
		{"session sweep", cfg.SweepSchedule, s.SweepSessions},
	}
	if cfg.Audit != nil {
		jobs = append(jobs, job{"audit cleanup", cfg.CleanupSchedule, s.CleanupAudit})
	}

	for _, j := range jobs {
		run := j.run
		if _, err := s.cron.AddFunc(j.schedule, func() { s.runJob(run) }); err != nil {
			return nil, fmt.Errorf("scheduler: failed to schedule %s %q: %w", j.name, j.schedule, err)
		}
		s.logger.WithFields(logrus.Fields{"job": j.name, "schedule": j.schedule}).Info("job scheduled")
	}
	return s, nil
}

func (s *Scheduler) runJob(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	fn(ctx)
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop prevents new runs and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: jobs still running: %w", ctx.Err())
	}
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// RotateKeys rotates key material when it is due. A failure leaves the
// process without usable signing keys and is fatal.
func (s *Scheduler) RotateKeys(ctx context.Context) {
	rotated, err := s.cfg.Keys.RotateIfDue(ctx, s.cfg.RotationInterval)
	if err != nil {
		s.logger.WithError(err).Fatal("scheduled key rotation failed")
		return
	}
	if rotated {
		s.logger.Info("scheduled key rotation completed")
		return
	}
	s.logger.Debug("key rotation not due")
}

// SweepSessions expires and idles inactive sessions.
func (s *Scheduler) SweepSessions(ctx context.Context) {
	res, err := s.cfg.Sessions.Sweep(ctx)
	if err != nil {
		s.logger.WithError(err).Error("session sweep failed")
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		"scanned": res.Scanned,
		"idled":   res.Idled,
		"expired": res.Expired,
		"live":    res.Live,
	})
	if res.Idled > 0 || res.Expired > 0 {
		entry.Info("session sweep completed")
		return
	}
	entry.Debug("session sweep completed")
}

// CleanupAudit deletes durable audit events past retention.
func (s *Scheduler) CleanupAudit(ctx context.Context) {
	if s.cfg.Audit == nil {
		return
	}
	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.AuditRetention)
	n, err := s.cfg.Audit.Cleanup(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("audit cleanup failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"deleted": n,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("audit cleanup completed")
}
