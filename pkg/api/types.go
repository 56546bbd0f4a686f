package api

import (
	"time"

	"github.com/platinummonkey/warden/pkg/e2e"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/token"
	"github.com/platinummonkey/warden/pkg/warden"
)

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Credential string `json:"credential"`
	Password   string `json:"password"`
}

// TwoFactorRequest is the body of POST /v1/auth/2fa.
type TwoFactorRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// RefreshRequest is the body of POST /v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// CodeRequest carries a second-factor code.
type CodeRequest struct {
	Code string `json:"code"`
}

// PasswordRequest carries the current password for re-authentication.
type PasswordRequest struct {
	Password string `json:"password"`
}

// LoginResponse is returned by login and second-factor completion. Exactly
// one of Tokens or Challenge is set.
type LoginResponse struct {
	*token.Pair
	SessionID string            `json:"session_id,omitempty"`
	Challenge *warden.Challenge `json:"challenge,omitempty"`
}

func newLoginResponse(res *warden.LoginResult) LoginResponse {
	if res.Challenge != nil {
		return LoginResponse{Challenge: res.Challenge}
	}
	out := LoginResponse{Pair: res.Tokens}
	if res.Session != nil {
		out.SessionID = res.Session.ID
	}
	return out
}

// SessionView is the public shape of a session.
type SessionView struct {
	ID           string         `json:"id"`
	Device       session.Device `json:"device"`
	Status       session.Status `json:"status"`
	RiskScore    int            `json:"risk_score"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Current      bool           `json:"current"`
}

// SessionListResponse is returned by GET /v1/sessions.
type SessionListResponse struct {
	Sessions []SessionView `json:"sessions"`
}

// LogoutAllResponse reports how many sessions were ended.
type LogoutAllResponse struct {
	Terminated int `json:"terminated"`
}

// BackupCodesResponse carries freshly issued backup codes. They are shown
// once.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes,omitempty"`
	// SealedBackupCodes replaces BackupCodes for users with a published
	// identity key: the newline-separated codes, encrypted to that key.
	SealedBackupCodes *e2e.Envelope `json:"sealed_backup_codes,omitempty"`
}

// IdentityKeyRequest is the body of PUT /v1/e2e/identity. The key is
// base64 in JSON.
type IdentityKeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

// IdentityKeyResponse is returned by GET /v1/e2e/identity/{id}.
type IdentityKeyResponse struct {
	UserID    string `json:"user_id"`
	PublicKey []byte `json:"public_key"`
}
