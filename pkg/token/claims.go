package token

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type distinguishes access from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the signed claim set. The subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Type      Type   `json:"typ"`
}

// UserID returns the subject claim.
func (c *Claims) UserID() string {
	return c.Subject
}

// Pair is what a successful login or refresh hands back to the client.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// hashToken is the registry key for a refresh token. Raw tokens are never
// stored.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is a log-safe identifier for a token.
func Fingerprint(raw string) string {
	return hashToken(raw)[:12]
}
