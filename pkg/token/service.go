package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "warden"

	refreshPrefix    = "refresh:"
	sessionSetPrefix = "session_refresh:"
)

// KeySource supplies HMAC keys. TokenKeys lists every key a token may
// still be verified with, active first.
type KeySource interface {
	ActiveTokenKey() ([]byte, error)
	TokenKeys() ([][]byte, error)
}

// keySyncer is implemented by key sources that can pick up keys rotated by
// another worker.
type keySyncer interface {
	Sync(ctx context.Context) (bool, error)
}

// Sessions is the part of the session store tokens are bound to.
type Sessions interface {
	Touch(ctx context.Context, id string) (*session.Session, error)
	Terminate(ctx context.Context, id, reason string) (*session.Session, error)
}

// Config configures a Service.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string

	Clock   clockwork.Clock
	Auditor audit.Auditor
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Service issues and verifies session-bound bearer tokens.
type Service struct {
	keys       KeySource
	sessions   Sessions
	kv         kv.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	clock      clockwork.Clock
	parser     *jwt.Parser
	auditor    audit.Auditor
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewService creates a token Service. All three collaborators are required.
func NewService(keys KeySource, sessions Sessions, store kv.Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "token service requires a kv store")
	}
	if keys == nil || sessions == nil {
		return nil, errors.New("token: key source and session store are required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	return &Service{
		keys:       keys,
		sessions:   sessions,
		kv:         store,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		clock:      cfg.Clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(cfg.Clock.Now),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithIssuer(cfg.Issuer),
		),
		auditor: cfg.Auditor,
		logger:  cfg.Logger.WithField("component", "token"),
		metrics: cfg.Metrics,
	}, nil
}

// AccessTTL returns the access token lifetime.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// Issue mints an access/refresh pair for a session and registers the
// refresh token. If ctx is cancelled before registration completes nothing
// stays registered.
func (s *Service) Issue(ctx context.Context, userID, sessionID string) (*Pair, error) {
	key, err := s.keys.ActiveTokenKey()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	access, accessExp, err := s.sign(key, userID, sessionID, TypeAccess, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.sign(key, userID, sessionID, TypeRefresh, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.register(ctx, refresh, sessionID); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, audit.EventTokenIssued, map[string]interface{}{
		"user_id":            userID,
		"session_id":         sessionID,
		"access_expires_at":  accessExp,
		"refresh_expires_at": refreshExp,
	})
	s.countIssued(TypeAccess)
	s.countIssued(TypeRefresh)

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify validates an access token and refreshes the activity of the
// session it references.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.verify(ctx, raw)
	s.countVerification(err)
	return claims, err
}

func (s *Service) verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, autherr.New(autherr.ErrTokenInvalid, "not an access token").WithUserID(claims.UserID())
	}

	sess, err := s.sessions.Touch(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != claims.UserID() {
		return nil, autherr.New(autherr.ErrTokenInvalid, "session belongs to another user").
			WithUserID(claims.UserID())
	}
	return claims, nil
}

// Refresh mints a new access token from a registered refresh token. The
// refresh token itself is returned unchanged and stays usable until it
// expires or is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Pair, *Claims, error) {
	claims, err := s.parse(ctx, refreshToken)
	if err != nil {
		return nil, nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, nil, autherr.New(autherr.ErrTokenInvalid, "not a refresh token").WithUserID(claims.UserID())
	}

	sessionID, err := s.kv.Get(ctx, refreshPrefix+hashToken(refreshToken))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, autherr.New(autherr.ErrTokenInvalid, "refresh token not registered").
			WithUserID(claims.UserID())
	}
	if err != nil {
		return nil, nil, err
	}
	if sessionID != claims.SessionID {
		return nil, nil, autherr.New(autherr.ErrTokenInvalid, "refresh token bound to another session").
			WithUserID(claims.UserID())
	}

	sess, err := s.sessions.Touch(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != claims.UserID() {
		return nil, nil, autherr.New(autherr.ErrTokenInvalid, "session belongs to another user")
	}

	key, err := s.keys.ActiveTokenKey()
	if err != nil {
		return nil, nil, err
	}
	access, accessExp, err := s.sign(key, claims.UserID(), claims.SessionID, TypeAccess, s.clock.Now().UTC(), s.accessTTL)
	if err != nil {
		return nil, nil, err
	}

	s.auditor.Record(ctx, audit.EventTokenRefreshed, map[string]interface{}{
		"user_id":           claims.UserID(),
		"session_id":        claims.SessionID,
		"refresh_token":     Fingerprint(refreshToken),
		"access_expires_at": accessExp,
	})
	s.countIssued(TypeAccess)

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, claims, nil
}

// RevokeSession drops every refresh token of a session and terminates it.
// Access tokens referencing the session stop verifying immediately.
func (s *Service) RevokeSession(ctx context.Context, sessionID, reason string) error {
	setKey := sessionSetPrefix + sessionID
	hashes, err := s.kv.SMembers(ctx, setKey)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, refreshPrefix+h)
	}
	keys = append(keys, setKey)
	if err := s.kv.Del(ctx, keys...); err != nil {
		return err
	}

	sess, err := s.sessions.Terminate(ctx, sessionID, reason)
	if err != nil && !errors.Is(err, autherr.ErrSessionExpired) {
		return err
	}

	data := map[string]interface{}{
		"session_id":     sessionID,
		"reason":         reason,
		"refresh_tokens": len(hashes),
	}
	if sess != nil {
		data["user_id"] = sess.UserID
	}
	s.auditor.Record(ctx, audit.EventTokenRevoked, data)
	return nil
}

// RevokeRefreshToken removes a single refresh token from the registry.
// Revoking an unknown token is not an error.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	hash := hashToken(refreshToken)
	sessionID, err := s.kv.Get(ctx, refreshPrefix+hash)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.kv.Del(ctx, refreshPrefix+hash); err != nil {
		return err
	}
	if _, err := s.kv.SRem(ctx, sessionSetPrefix+sessionID, hash); err != nil {
		s.logger.WithError(err).Warn("failed to drop refresh token from session index")
	}

	s.auditor.Record(ctx, audit.EventTokenRevoked, map[string]interface{}{
		"session_id":    sessionID,
		"refresh_token": Fingerprint(refreshToken),
		"reason":        "refresh token revoked",
	})
	return nil
}

func (s *Service) sign(key []byte, userID, sessionID string, typ Type, now time.Time, ttl time.Duration) (string, time.Time, error) {
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(ttl))

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
		SessionID: sessionID,
		Type:      typ,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign %s token: %w", typ, err)
	}
	return signed, expiresAt.Time, nil
}

// parse verifies raw against the known keys. A signature no known key
// accepts may come from a key another worker rotated to, so the key source
// is synced once before the token is rejected.
func (s *Service) parse(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parseWithKeys(raw)
	if err == nil || !errors.Is(err, errSignatureRejected) {
		return claims, err
	}
	syncer, ok := s.keys.(keySyncer)
	if !ok {
		return nil, err
	}
	changed, serr := syncer.Sync(ctx)
	if serr != nil {
		s.logger.WithError(serr).Warn("key sync failed")
		return nil, err
	}
	if !changed {
		return nil, err
	}
	return s.parseWithKeys(raw)
}

var errSignatureRejected = errors.New("no known key accepts the signature")

func (s *Service) parseWithKeys(raw string) (*Claims, error) {
	keys, err := s.keys.TokenKeys()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, key := range keys {
		key := key
		claims := &Claims{}
		_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil {
			if claims.SessionID == "" || claims.Subject == "" {
				return nil, autherr.New(autherr.ErrTokenInvalid, "missing session or subject claim")
			}
			return claims, nil
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, classify(err)
		}
		lastErr = err
	}
	return nil, autherr.Wrap(autherr.ErrTokenInvalid, "signature rejected", errors.Join(errSignatureRejected, lastErr))
}

func classify(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return autherr.Wrap(autherr.ErrTokenExpired, "token expired", err)
	}
	return autherr.Wrap(autherr.ErrTokenInvalid, "token rejected", err)
}

func (s *Service) countIssued(typ Type) {
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues(string(typ)).Inc()
	}
}

func (s *Service) countVerification(err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, autherr.ErrTokenExpired):
		result = "expired"
	case errors.Is(err, autherr.ErrTokenInvalid):
		result = "invalid"
	case errors.Is(err, autherr.ErrSessionExpired):
		result = "session_expired"
	default:
		result = "error"
	}
	s.metrics.TokenVerificationsTotal.WithLabelValues(result).Inc()
}

// register records the refresh token hash under its session. A partial
// registration is rolled back even if ctx has been cancelled.
func (s *Service) register(ctx context.Context, refresh, sessionID string) error {
	hash := hashToken(refresh)
	setKey := sessionSetPrefix + sessionID

	if err := s.kv.Set(ctx, refreshPrefix+hash, sessionID, s.refreshTTL); err != nil {
		s.rollback(ctx, hash, setKey)
		return err
	}
	if err := s.kv.SAdd(ctx, setKey, hash); err != nil {
		s.rollback(ctx, hash, setKey)
		return err
	}
	if err := s.kv.Expire(ctx, setKey, s.refreshTTL); err != nil {
		s.rollback(ctx, hash, setKey)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.rollback(ctx, hash, setKey)
		return err
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, hash, setKey string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.kv.Del(ctx, refreshPrefix+hash); err != nil {
		s.logger.WithError(err).Warn("failed to roll back refresh token registration")
	}
	if _, err := s.kv.SRem(ctx, setKey, hash); err != nil {
		s.logger.WithError(err).Warn("failed to roll back refresh token index")
	}
}
