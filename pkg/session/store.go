package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
)

const (
	DefaultTimeout         = 30 * time.Minute
	DefaultIdleAfter       = 5 * time.Minute
	DefaultRecordRetention = 24 * time.Hour

	idBytes        = 32
	maxCASAttempts = 5
	sweepWorkers   = 8
	sweepTimeout   = 2 * time.Second

	// touchGranularity bounds how often activity is written for one session.
	touchGranularity = time.Second
)

const (
	keyPrefix      = "session:"
	activityPrefix = "session_activity:"
	userSetPrefix  = "user_sessions:"
	liveSetKey     = "sessions:live"
	reasonTimeout  = "inactivity timeout"
)

// Termination reasons recorded on ended sessions.
const (
	ReasonLogout    = "logout"
	ReasonLogoutAll = "logout_all"
	ReasonAdmin     = "admin"
	ReasonThreat    = "threat_response"
)

// Config configures a Store.
type Config struct {
	// Timeout is the inactivity period after which a session expires.
	Timeout time.Duration
	// IdleAfter is the inactivity period after which the sweep marks an
	// active session idle.
	IdleAfter time.Duration
	// RecordRetention keeps ended sessions readable for this long.
	RecordRetention time.Duration

	Clock   clockwork.Clock
	Rand    io.Reader
	Auditor audit.Auditor
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Store persists sessions in the shared kv store so every worker sees the
// same lifecycle state.
type Store struct {
	kv        kv.Store
	timeout   time.Duration
	idleAfter time.Duration
	retention time.Duration
	clock     clockwork.Clock
	rand      io.Reader
	auditor   audit.Auditor
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewStore creates a Store. A nil kv store is rejected: without shared
// state no session can be validated.
func NewStore(store kv.Store, cfg Config) (*Store, error) {
	if store == nil {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "session store requires a kv store")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdleAfter <= 0 || cfg.IdleAfter >= cfg.Timeout {
		cfg.IdleAfter = DefaultIdleAfter
		if cfg.IdleAfter >= cfg.Timeout {
			cfg.IdleAfter = cfg.Timeout / 2
		}
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = DefaultRecordRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Store{
		kv:        store,
		timeout:   cfg.Timeout,
		idleAfter: cfg.IdleAfter,
		retention: cfg.RecordRetention,
		clock:     cfg.Clock,
		rand:      cfg.Rand,
		auditor:   cfg.Auditor,
		logger:    cfg.Logger.WithField("component", "session"),
		metrics:   cfg.Metrics,
	}, nil
}

// Timeout returns the configured inactivity timeout.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

func sessionKey(id string) string     { return keyPrefix + id }
func activityKey(id string) string    { return activityPrefix + id }
func userSetKey(userID string) string { return userSetPrefix + userID }

func (s *Store) newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create starts a new active session for userID.
func (s *Store) Create(ctx context.Context, userID string, device Device) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}
	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	now := s.clock.Now().UTC()
	sess := &Session{
		ID:           id,
		UserID:       userID,
		Device:       device,
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("session: encode: %w", err)
	}

	if err := s.kv.Set(ctx, sessionKey(id), string(raw), s.ttlFor(sess)); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, userSetKey(userID), id); err != nil {
		_ = s.kv.Del(ctx, sessionKey(id))
		return nil, err
	}
	if err := s.kv.SAdd(ctx, liveSetKey, id); err != nil {
		_ = s.kv.Del(ctx, sessionKey(id))
		_, _ = s.kv.SRem(ctx, userSetKey(userID), id)
		return nil, err
	}

	s.auditor.Record(ctx, audit.EventSessionCreated, map[string]interface{}{
		"session_id": id,
		"user_id":    userID,
		"ip":         device.IP,
		"user_agent": device.UserAgent,
	})
	s.observeTransition(StatusActive)
	s.logger.WithFields(map[string]interface{}{
		"session": ShortID(id),
		"user_id": userID,
	}).Debug("session created")
	return sess, nil
}

// Get loads a session. A live session past its inactivity timeout is
// transitioned to expired before being returned. A missing session is
// reported as ErrSessionExpired.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
		if sess.timedOut(now, s.timeout) {
			sess.end(StatusExpired, reasonTimeout, now)
			return true, nil
		}
		return false, nil
	})
	return sess, err
}

// Touch records activity on a live session, reactivating it if idle.
// Sessions that are ended, missing or past the timeout fail with
// ErrSessionExpired.
//
// Activity lives in its own key and is written without compare-and-swap,
// so concurrent requests on one session never contend. The session record
// itself is only rewritten when an idle session becomes active again.
func (s *Store) Touch(ctx context.Context, id string) (*Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
		if !sess.Live() {
			return false, autherr.New(autherr.ErrSessionExpired, "session "+string(sess.Status)).
				WithUserID(sess.UserID)
		}
		if sess.timedOut(now, s.timeout) {
			sess.end(StatusExpired, reasonTimeout, now)
			return true, autherr.New(autherr.ErrSessionExpired, "session timed out").WithUserID(sess.UserID)
		}
		if sess.Status == StatusIdle {
			sess.Status = StatusActive
			sess.LastActivity = now
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return sess, err
	}

	now := s.clock.Now().UTC()
	if now.Sub(sess.LastActivity) < touchGranularity {
		return sess, nil
	}
	ttl := s.ttlFor(sess)
	if err := s.kv.Set(ctx, activityKey(id), now.Format(time.RFC3339Nano), ttl); err != nil {
		return nil, err
	}
	// the record must outlive the activity that keeps it live
	if err := s.kv.Expire(ctx, sessionKey(id), ttl); err != nil {
		return nil, err
	}
	sess.LastActivity = now
	return sess, nil
}

// MarkIdle moves an active session to idle. A session past its timeout
// expires instead.
func (s *Store) MarkIdle(ctx context.Context, id string) (*Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
		if sess.timedOut(now, s.timeout) {
			sess.end(StatusExpired, reasonTimeout, now)
			return true, nil
		}
		if sess.Status != StatusActive {
			return false, nil
		}
		sess.Status = StatusIdle
		return true, nil
	})
	return sess, err
}

// Terminate ends a live session. Ending an already ended session is a
// no-op that returns the stored record.
func (s *Store) Terminate(ctx context.Context, id, reason string) (*Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
		if !sess.Live() {
			return false, nil
		}
		if sess.timedOut(now, s.timeout) {
			sess.end(StatusExpired, reasonTimeout, now)
			return true, nil
		}
		sess.end(StatusTerminated, reason, now)
		return true, nil
	})
	return sess, err
}

// TerminateAll ends every live session of userID and returns the ones that
// were terminated by this call.
func (s *Store) TerminateAll(ctx context.Context, userID, reason string) ([]*Session, error) {
	ids, err := s.kv.SMembers(ctx, userSetKey(userID))
	if err != nil {
		return nil, err
	}

	var terminated []*Session
	for _, id := range ids {
		sess, changed, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
			if !sess.Live() {
				return false, nil
			}
			if sess.timedOut(now, s.timeout) {
				sess.end(StatusExpired, reasonTimeout, now)
				return true, nil
			}
			sess.end(StatusTerminated, reason, now)
			return true, nil
		})
		if errors.Is(err, autherr.ErrSessionExpired) {
			s.forget(ctx, userID, id)
			continue
		}
		if err != nil {
			return terminated, err
		}
		if changed && sess.Status == StatusTerminated {
			terminated = append(terminated, sess)
		}
	}
	return terminated, nil
}

// ListActive returns the live sessions of userID, most recently used first.
func (s *Store) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.kv.SMembers(ctx, userSetKey(userID))
	if err != nil {
		return nil, err
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, autherr.ErrSessionExpired) {
			s.forget(ctx, userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Live() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// AddRisk raises the risk score of a live session by delta, capped at
// MaxRiskScore. Non-positive deltas leave the score unchanged.
func (s *Store) AddRisk(ctx context.Context, id string, delta int) (*Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
		if !sess.Live() {
			return false, autherr.New(autherr.ErrSessionExpired, "session "+string(sess.Status))
		}
		if delta <= 0 || sess.RiskScore >= MaxRiskScore {
			return false, nil
		}
		sess.RiskScore += delta
		if sess.RiskScore > MaxRiskScore {
			sess.RiskScore = MaxRiskScore
		}
		return true, nil
	})
	return sess, err
}

// ResetRisk clears the risk score of a live session.
func (s *Store) ResetRisk(ctx context.Context, id string) (*Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
		if !sess.Live() {
			return false, autherr.New(autherr.ErrSessionExpired, "session "+string(sess.Status))
		}
		if sess.RiskScore == 0 {
			return false, nil
		}
		sess.RiskScore = 0
		return true, nil
	})
	return sess, err
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int
	Idled   int
	Expired int
	Live    int
}

// Sweep walks every live session, marking inactive ones idle and timed out
// ones expired. Sessions whose records are gone are dropped from the index.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	ids, err := s.kv.SMembers(ctx, liveSetKey)
	if err != nil {
		return SweepResult{}, err
	}

	type outcome struct {
		from, to Status
	}
	results := make(chan outcome, len(ids))

	errs := async.Batch(ctx, ids, sweepWorkers, sweepTimeout, func(ctx context.Context, id string) error {
		var from Status
		sess, changed, err := s.mutate(ctx, id, func(sess *Session, now time.Time) (bool, error) {
			from = sess.Status
			if sess.timedOut(now, s.timeout) {
				sess.end(StatusExpired, reasonTimeout, now)
				return true, nil
			}
			if sess.Status == StatusActive && now.Sub(sess.LastActivity) >= s.idleAfter {
				sess.Status = StatusIdle
				return true, nil
			}
			return false, nil
		})
		if errors.Is(err, autherr.ErrSessionExpired) {
			_, _ = s.kv.SRem(ctx, liveSetKey, id)
			return nil
		}
		if err != nil {
			return err
		}
		if !changed {
			from = sess.Status
		}
		results <- outcome{from: from, to: sess.Status}
		return nil
	})
	close(results)

	res := SweepResult{Scanned: len(ids)}
	for o := range results {
		switch {
		case o.to == StatusExpired && o.from.Live():
			res.Expired++
		case o.to == StatusIdle && o.from == StatusActive:
			res.Idled++
		}
		if o.to.Live() {
			res.Live++
		}
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(res.Live))
	}

	if len(errs) > 0 {
		s.logger.WithField("failures", len(errs)).WithError(errs[0]).Warn("session sweep incomplete")
		return res, errors.Join(errs...)
	}
	s.logger.WithFields(map[string]interface{}{
		"scanned": res.Scanned,
		"idled":   res.Idled,
		"expired": res.Expired,
	}).Debug("session sweep complete")
	return res, nil
}

// mutate applies fn to the stored session under compare-and-swap, retrying
// on concurrent modification. fn reports whether it changed the session; an
// error from fn is returned after any change has been persisted.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Session, time.Time) (bool, error)) (*Session, bool, error) {
	if id == "" {
		return nil, false, autherr.New(autherr.ErrSessionExpired, "session not found")
	}
	key := sessionKey(id)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, autherr.New(autherr.ErrSessionExpired, "session not found")
		}
		if err != nil {
			return nil, false, err
		}

		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, false, fmt.Errorf("session: decode %s: %w", ShortID(id), err)
		}
		if err := s.mergeActivity(ctx, &sess); err != nil {
			return nil, false, err
		}
		from := sess.Status

		changed, fnErr := fn(&sess, s.clock.Now().UTC())
		if !changed {
			return &sess, false, fnErr
		}

		next, err := json.Marshal(&sess)
		if err != nil {
			return nil, false, fmt.Errorf("session: encode: %w", err)
		}
		ok, err := s.kv.CompareAndSwap(ctx, key, raw, string(next), s.ttlFor(&sess))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}

		s.afterTransition(ctx, from, &sess)
		return &sess, true, fnErr
	}
	return nil, false, autherr.New(autherr.ErrStoreUnavailable,
		"session "+ShortID(id)+" modified concurrently")
}

// mergeActivity folds the separately written activity timestamp into a
// live session loaded from its record.
func (s *Store) mergeActivity(ctx context.Context, sess *Session) error {
	if !sess.Live() {
		return nil
	}
	raw, err := s.kv.Get(ctx, activityKey(sess.ID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.WithError(err).WithField("session", ShortID(sess.ID)).Warn("ignoring malformed session activity")
		return nil
	}
	if at.After(sess.LastActivity) {
		sess.LastActivity = at
	}
	return nil
}

// ttlFor keeps live records until they could time out plus the retention
// window, and ended records for the retention window only.
func (s *Store) ttlFor(sess *Session) time.Duration {
	if sess.Live() {
		return s.timeout + s.retention
	}
	return s.retention
}

func (s *Store) afterTransition(ctx context.Context, from Status, sess *Session) {
	if from == sess.Status {
		return
	}
	s.observeTransition(sess.Status)
	if sess.Live() {
		return
	}

	s.forget(ctx, sess.UserID, sess.ID)

	eventType := audit.EventSessionTerminated
	if sess.Status == StatusExpired {
		eventType = audit.EventSessionExpired
	}
	s.auditor.Record(ctx, eventType, map[string]interface{}{
		"session_id":       sess.ID,
		"user_id":          sess.UserID,
		"reason":           sess.EndReason,
		"duration_seconds": int64(sess.Duration / time.Second),
	})
	s.logger.WithFields(map[string]interface{}{
		"session": ShortID(sess.ID),
		"user_id": sess.UserID,
		"status":  string(sess.Status),
		"reason":  sess.EndReason,
	}).Info("session ended")
}

func (s *Store) forget(ctx context.Context, userID, id string) {
	if err := s.kv.Del(ctx, activityKey(id)); err != nil {
		s.logger.WithError(err).Warn("failed to drop session activity")
	}
	if _, err := s.kv.SRem(ctx, liveSetKey, id); err != nil {
		s.logger.WithError(err).Warn("failed to drop session from live index")
	}
	if userID == "" {
		return
	}
	if _, err := s.kv.SRem(ctx, userSetKey(userID), id); err != nil {
		s.logger.WithError(err).Warn("failed to drop session from user index")
	}
}

func (s *Store) observeTransition(status Status) {
	if s.metrics != nil {
		s.metrics.SessionTransitionsTotal.WithLabelValues(string(status)).Inc()
	}
}
