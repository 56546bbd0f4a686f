package warden

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/token"
)

const challengePrefix = "login_challenge:"

// Why a login was held for a second factor.
const (
	ChallengeTwoFactor = "two_factor"
	ChallengeThreat    = "threat_challenge"
)

// LoginRequest is a password login attempt.
type LoginRequest struct {
	Credential string
	Password   string
	Device     session.Device
}

// Challenge is a login that passed the password check and now needs a
// second factor.
type Challenge struct {
	ID        string    `json:"challenge_id"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResult carries either tokens for a new session or a challenge.
type LoginResult struct {
	Tokens    *token.Pair      `json:"tokens,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	Challenge *Challenge       `json:"challenge,omitempty"`
}

type pendingLogin struct {
	UserID string         `json:"user_id"`
	Reason string         `json:"reason"`
	Device session.Device `json:"device"`
}

// Login checks a password. On success it opens a session, unless the user
// has two-factor enabled, in which case a Challenge is returned instead.
//
// Every rejection the caller may show a user is autherr.ErrAuthenticationFailed
// or ErrAccountLocked; the precise reason is audited.
func (s *Service) Login(ctx context.Context, req LoginRequest) (res *LoginResult, err error) {
	ctx, done := s.observe(ctx, "login", attribute.String("client.ip", req.Device.IP))
	defer done(&err)

	credential := identity.NormalizeCredential(req.Credential)
	user, err := s.findUser(ctx, credential)
	if err != nil {
		return nil, err
	}
	subject := lockSubject(user, credential)

	if err := s.detector.CheckLocked(ctx, subject); err != nil {
		if errors.Is(err, autherr.ErrAccountLocked) {
			s.loginBlocked(ctx, subject, user, req.Device, "account_locked")
		}
		return nil, err
	}

	reason := ""
	switch {
	case credential == "" || req.Password == "":
		s.hasher.CompareDummy(req.Password)
		reason = "missing_credentials"
	case user == nil:
		s.hasher.CompareDummy(req.Password)
		reason = "unknown_credential"
	case !s.hasher.Compare(user.PasswordHash, req.Password):
		reason = "bad_password"
	case user.Disabled:
		reason = "user_disabled"
	}
	if reason != "" {
		return nil, s.loginFailed(ctx, subject, user, req.Device, reason)
	}

	enrolled, err := s.twoFactor.IsEnrolled(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	challenged, err := s.challengeRequired(ctx, user.ID, req.Device.IP)
	if err != nil {
		return nil, err
	}

	switch {
	case enrolled:
		why := ChallengeTwoFactor
		if challenged {
			why = ChallengeThreat
		}
		ch, err := s.openChallenge(ctx, user.ID, why, req.Device)
		if err != nil {
			return nil, err
		}
		s.countLogin("challenged")
		return &LoginResult{Challenge: ch}, nil

	case challenged:
		// No second factor to challenge with. The rejection matches a wrong
		// password so a challenged network learns nothing from it.
		s.loginBlocked(ctx, subject, user, req.Device, "challenge_unavailable")
		return nil, autherr.New(autherr.ErrAuthenticationFailed, "challenge_unavailable").WithUserID(subject)
	}

	return s.completeLogin(ctx, user, req.Device, "password")
}

// CompleteTwoFactor finishes a challenged login with a TOTP or backup code.
// A wrong code leaves the challenge open until it expires.
func (s *Service) CompleteTwoFactor(ctx context.Context, challengeID, code string) (res *LoginResult, err error) {
	ctx, done := s.observe(ctx, "complete_two_factor")
	defer done(&err)

	raw, err := s.kv.Get(ctx, challengePrefix+challengeID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, autherr.New(autherr.ErrAuthenticationFailed, "login challenge unknown or expired")
	}
	if err != nil {
		return nil, err
	}
	var pending pendingLogin
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, autherr.Wrap(autherr.ErrAuthenticationFailed, "corrupt login challenge", err)
	}

	if err := s.limiter.Allow(ctx, threat.OpTwoFactor, pending.UserID); err != nil {
		return nil, err
	}
	if err := s.detector.CheckLocked(ctx, pending.UserID); err != nil {
		return nil, err
	}
	user, err := s.userByID(ctx, pending.UserID)
	if err != nil {
		return nil, err
	}

	method, err := s.twoFactor.Verify(ctx, user.ID, code)
	if errors.Is(err, autherr.ErrTwoFactorCodeInvalid) {
		return nil, s.loginFailed(ctx, user.ID, user, pending.Device, "bad_second_factor")
	}
	if err != nil {
		return nil, err
	}

	if err := s.kv.Del(ctx, challengePrefix+challengeID); err != nil {
		return nil, err
	}
	if pending.Reason == ChallengeThreat {
		if err := s.clearChallenges(ctx, user.ID, pending.Device.IP); err != nil {
			return nil, err
		}
	}
	return s.completeLogin(ctx, user, pending.Device, string(method))
}

func (s *Service) completeLogin(ctx context.Context, user *identity.User, device session.Device, method string) (*LoginResult, error) {
	sess, err := s.sessions.Create(ctx, user.ID, device)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.Issue(ctx, user.ID, sess.ID)
	if err != nil {
		if _, terr := s.sessions.Terminate(context.WithoutCancel(ctx), sess.ID, "issue_failed"); terr != nil {
			s.logger.WithError(terr).WithField("session_id", session.ShortID(sess.ID)).Warn("failed to roll back session")
		}
		return nil, err
	}

	if err := s.detector.Reset(ctx, threat.BruteForce, user.ID); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to reset brute force counter")
	}

	s.auditor.Record(ctx, audit.EventLoginSuccess, map[string]interface{}{
		"user_id":    user.ID,
		"session_id": sess.ID,
		"ip":         device.IP,
		"method":     method,
	})
	s.countLogin("success")
	return &LoginResult{Tokens: pair, Session: sess}, nil
}

// loginFailed counts a failed attempt against the account and the client
// network and returns the error to surface. The tenth failure locks.
func (s *Service) loginFailed(ctx context.Context, subject string, user *identity.User, device session.Device, reason string) error {
	data := map[string]interface{}{
		"identifier": subject,
		"ip":         device.IP,
		"reason":     reason,
	}
	if user != nil {
		data["user_id"] = user.ID
	}
	s.auditor.Record(ctx, audit.EventLoginFailed, data)
	s.countLogin("failure")

	out, err := s.detector.Record(ctx, threat.BruteForce, subject)
	if err != nil {
		return err
	}
	if device.IP != "" {
		if _, err := s.detector.Record(ctx, threat.CredentialStuffing, ipSubject(device.IP)); err != nil {
			return err
		}
	}

	if out.Triggered && out.Action == threat.ActionLockout {
		locked := autherr.New(autherr.ErrAccountLocked, "locked after "+reason).WithUserID(subject)
		if rule, ok := s.detector.Rule(threat.BruteForce); ok {
			locked = locked.WithRetryAfter(rule.Window)
		}
		return locked
	}
	return autherr.New(autherr.ErrAuthenticationFailed, reason).WithUserID(subject)
}

func (s *Service) loginBlocked(ctx context.Context, subject string, user *identity.User, device session.Device, reason string) {
	data := map[string]interface{}{
		"identifier": subject,
		"ip":         device.IP,
		"reason":     reason,
	}
	if user != nil {
		data["user_id"] = user.ID
	}
	s.auditor.Record(ctx, audit.EventLoginBlocked, data)
	s.countLogin("blocked")
}

func (s *Service) challengeRequired(ctx context.Context, userID, ip string) (bool, error) {
	required, err := s.detector.ChallengeRequired(ctx, userID)
	if err != nil || required || ip == "" {
		return required, err
	}
	return s.detector.ChallengeRequired(ctx, ipSubject(ip))
}

func (s *Service) clearChallenges(ctx context.Context, userID, ip string) error {
	if err := s.detector.ClearChallenge(ctx, userID); err != nil {
		return err
	}
	if ip == "" {
		return nil
	}
	return s.detector.ClearChallenge(ctx, ipSubject(ip))
}

func (s *Service) openChallenge(ctx context.Context, userID, reason string, device session.Device) (*Challenge, error) {
	raw, err := json.Marshal(pendingLogin{UserID: userID, Reason: reason, Device: device})
	if err != nil {
		return nil, err
	}
	ch := &Challenge{
		ID:        uuid.NewString(),
		Reason:    reason,
		ExpiresAt: s.clock.Now().Add(s.challengeTTL).UTC(),
	}
	if err := s.kv.Set(ctx, challengePrefix+ch.ID, string(raw), s.challengeTTL); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
	}).Debug("login challenged for second factor")
	return ch, nil
}

func ipSubject(ip string) string {
	return "ip:" + ip
}
