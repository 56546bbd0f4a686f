package warden

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/token"
	"github.com/platinummonkey/warden/pkg/twofactor"
)

// DefaultChallengeTTL bounds how long a pending second-factor challenge may
// be completed.
const DefaultChallengeTTL = 5 * time.Minute

// Risk added to a session the first time it is seen from a new network or
// client.
const (
	riskNetworkChange = 20
	riskClientChange  = 30
)

// Config wires a Service. Every component is required: there is no
// degraded mode without the shared store.
type Config struct {
	KV        kv.Store
	Users     identity.Store
	Hasher    *identity.Hasher
	Sessions  *session.Store
	Tokens    *token.Service
	TwoFactor *twofactor.Authenticator
	Detector  *threat.Detector
	Limiter   *threat.Limiter

	ChallengeTTL time.Duration

	Clock       clockwork.Clock
	Auditor     audit.Auditor
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
}

// Service is the per-process entry point of the auth core. It is built once
// and shared by every request handler.
type Service struct {
	kv        kv.Store
	users     identity.Store
	hasher    *identity.Hasher
	sessions  *session.Store
	tokens    *token.Service
	twoFactor *twofactor.Authenticator
	detector  *threat.Detector
	limiter   *threat.Limiter

	challengeTTL time.Duration

	clock   clockwork.Clock
	auditor audit.Auditor
	logger  *observability.Logger
	metrics *observability.Metrics
	otel    *observability.OTelMetrics
}

// New validates cfg and creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.KV == nil {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "warden requires a kv store")
	}
	switch {
	case cfg.Users == nil:
		return nil, errors.New("warden: identity store is required")
	case cfg.Sessions == nil, cfg.Tokens == nil:
		return nil, errors.New("warden: session store and token service are required")
	case cfg.TwoFactor == nil:
		return nil, errors.New("warden: two-factor authenticator is required")
	case cfg.Detector == nil, cfg.Limiter == nil:
		return nil, errors.New("warden: threat detector and limiter are required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = identity.NewHasher(0)
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
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
		kv:           cfg.KV,
		users:        cfg.Users,
		hasher:       cfg.Hasher,
		sessions:     cfg.Sessions,
		tokens:       cfg.Tokens,
		twoFactor:    cfg.TwoFactor,
		detector:     cfg.Detector,
		limiter:      cfg.Limiter,
		challengeTTL: cfg.ChallengeTTL,
		clock:        cfg.Clock,
		auditor:      cfg.Auditor,
		logger:       cfg.Logger.WithField("component", "warden"),
		metrics:      cfg.Metrics,
		otel:         cfg.OTelMetrics,
	}, nil
}

// Limiter exposes the operation rate limiter to the HTTP boundary.
func (s *Service) Limiter() *threat.Limiter {
	return s.limiter
}

// observe opens a span for op and returns the func that closes it. The
// func must be deferred with a pointer to the caller's named error.
func (s *Service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := observability.Tracer().Start(ctx, "warden."+op)
	span.SetAttributes(attrs...)
	start := time.Now()
	return ctx, func(errp *error) {
		err := *errp
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, autherr.PublicMessage(err))
		}
		span.End()
		s.otel.RecordOperation(ctx, op, time.Since(start), err)
	}
}

func (s *Service) countLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// findUser resolves a credential. A miss is not an error: the caller must
// still spend the password-hash cost.
func (s *Service) findUser(ctx context.Context, credential string) (*identity.User, error) {
	u, err := s.users.FindByCredential(ctx, credential)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrStoreUnavailable, "user lookup failed", err)
	}
	return u, nil
}

func (s *Service) userByID(ctx context.Context, userID string) (*identity.User, error) {
	u, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, autherr.New(autherr.ErrAuthenticationFailed, "user no longer exists").WithUserID(userID)
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrStoreUnavailable, "user lookup failed", err)
	}
	if u.Disabled {
		return nil, autherr.New(autherr.ErrAuthenticationFailed, "user disabled").WithUserID(userID)
	}
	return u, nil
}

// lockSubject is the identifier brute-force counters and locks are kept
// under. Unknown credentials are locked too so a lock does not reveal
// whether an account exists.
func lockSubject(u *identity.User, credential string) string {
	if u != nil {
		return u.ID
	}
	return "credential:" + credential
}
