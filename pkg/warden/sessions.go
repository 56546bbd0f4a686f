package warden

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/token"
)

const driftPrefix = "drift:"

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    string
	SessionID string
	Roles     []identity.Role
	Session   *session.Session
}

// IsAdmin reports whether the principal may use administrative operations.
func (p *Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == identity.RoleAdmin {
			return true
		}
	}
	return false
}

// Authenticate verifies an access token presented from device. A session
// seen from a new network or client accrues risk; a session whose risk
// reaches the maximum is terminated.
func (s *Service) Authenticate(ctx context.Context, accessToken string, device session.Device) (p *Principal, err error) {
	ctx, done := s.observe(ctx, "authenticate")
	defer done(&err)

	claims, err := s.tokens.Verify(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user, err := s.userByID(ctx, claims.UserID())
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}

	if sess, err = s.checkDrift(ctx, sess, device); err != nil {
		return nil, err
	}

	return &Principal{
		UserID:    user.ID,
		SessionID: sess.ID,
		Roles:     user.Roles,
		Session:   sess,
	}, nil
}

// checkDrift compares the request device with the one the session was
// opened from. Each distinct drifted device is penalised once per session.
func (s *Service) checkDrift(ctx context.Context, sess *session.Session, device session.Device) (*session.Session, error) {
	delta := 0
	if device.IP != "" && sess.Device.IP != "" && device.IP != sess.Device.IP {
		delta += riskNetworkChange
	}
	if device.UserAgent != "" && sess.Device.UserAgent != "" && device.UserAgent != sess.Device.UserAgent {
		delta += riskClientChange
	}
	if delta == 0 {
		return sess, nil
	}

	first, err := s.kv.SetNX(ctx, driftKey(sess.ID, device), "1", s.sessions.Timeout())
	if err != nil || !first {
		return sess, err
	}

	updated, err := s.sessions.AddRisk(ctx, sess.ID, delta)
	if err != nil {
		return nil, err
	}
	if _, err := s.detector.Record(ctx, threat.AnomalousBehavior, sess.UserID); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id":    sess.UserID,
		"session_id": session.ShortID(sess.ID),
		"risk_score": updated.RiskScore,
	}).Warn("session used from a new device")

	if updated.RiskScore >= session.MaxRiskScore {
		if err := s.tokens.RevokeSession(ctx, sess.ID, session.ReasonThreat); err != nil {
			return nil, err
		}
		return nil, autherr.New(autherr.ErrSessionExpired, "session terminated at maximum risk").WithUserID(sess.UserID)
	}
	return updated, nil
}

func driftKey(sessionID string, device session.Device) string {
	sum := sha256.Sum256([]byte(device.IP + "\x00" + device.UserAgent))
	return driftPrefix + sessionID + ":" + hex.EncodeToString(sum[:8])
}

// Refresh mints a new access token from a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *token.Pair, err error) {
	ctx, done := s.observe(ctx, "refresh")
	defer done(&err)

	pair, claims, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if _, err := s.userByID(ctx, claims.UserID()); err != nil {
		if rerr := s.tokens.RevokeSession(ctx, claims.SessionID, session.ReasonAdmin); rerr != nil {
			s.logger.WithError(rerr).Warn("failed to revoke session of unknown user")
		}
		return nil, err
	}
	return pair, nil
}

// Logout ends the principal's current session.
func (s *Service) Logout(ctx context.Context, p *Principal) (err error) {
	ctx, done := s.observe(ctx, "logout")
	defer done(&err)

	if err := s.tokens.RevokeSession(ctx, p.SessionID, session.ReasonLogout); err != nil {
		return err
	}
	s.auditor.Record(ctx, audit.EventLogout, map[string]interface{}{
		"user_id":    p.UserID,
		"session_id": p.SessionID,
		"scope":      "session",
	})
	return nil
}

// LogoutAll ends every session of the user and returns how many were live.
func (s *Service) LogoutAll(ctx context.Context, userID string) (n int, err error) {
	ctx, done := s.observe(ctx, "logout_all")
	defer done(&err)

	ended, err := s.sessions.TerminateAll(ctx, userID, session.ReasonLogoutAll)
	if err != nil {
		return 0, err
	}
	for _, sess := range ended {
		// drops the refresh registry; the session itself is already ended
		if err := s.tokens.RevokeSession(ctx, sess.ID, session.ReasonLogoutAll); err != nil {
			return len(ended), err
		}
	}
	s.auditor.Record(ctx, audit.EventLogout, map[string]interface{}{
		"user_id":  userID,
		"scope":    "all",
		"sessions": len(ended),
	})
	return len(ended), nil
}

// ListSessions returns the user's live sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	return s.sessions.ListActive(ctx, userID)
}

// RevokeSession ends one session. Users may end their own sessions; admins
// may end any. A session the caller may not see reads as expired.
func (s *Service) RevokeSession(ctx context.Context, p *Principal, sessionID string) (err error) {
	ctx, done := s.observe(ctx, "revoke_session")
	defer done(&err)

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	reason := session.ReasonLogout
	if sess.UserID != p.UserID {
		if !p.IsAdmin() {
			return autherr.New(autherr.ErrSessionExpired, "session belongs to another user").WithUserID(p.UserID)
		}
		reason = session.ReasonAdmin
	}
	return s.tokens.RevokeSession(ctx, sessionID, reason)
}

// UnlockAccount lifts a lockout and clears the brute-force counter. The
// actor must be an admin and is recorded in the audit log.
func (s *Service) UnlockAccount(ctx context.Context, actor *Principal, userID string) (err error) {
	ctx, done := s.observe(ctx, "unlock_account")
	defer done(&err)

	if !actor.IsAdmin() {
		return autherr.New(autherr.ErrAuthenticationFailed, "unlock requires admin").WithUserID(actor.UserID)
	}
	if err := s.detector.Unlock(ctx, userID, actor.UserID); err != nil {
		return err
	}
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"user_id": userID,
		"actor":   actor.UserID,
	}).Info("account unlocked")
	return nil
}

// reauthenticate confirms the password of a signed-in user before a
// sensitive change. Failures count toward lockout like a failed login.
func (s *Service) reauthenticate(ctx context.Context, userID, password string) (*identity.User, error) {
	if err := s.detector.CheckLocked(ctx, userID); err != nil {
		return nil, err
	}
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !s.hasher.Compare(user.PasswordHash, password) {
		return nil, s.loginFailed(ctx, user.ID, user, session.Device{}, "bad_password_reauth")
	}
	return user, nil
}
