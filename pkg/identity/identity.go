package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no user matches.
var ErrNotFound = errors.New("identity: user not found")

// Role grants access to administrative operations.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the identity record the auth core authenticates against.
type User struct {
	ID           string    `json:"id" yaml:"id"`
	Credential   string    `json:"credential" yaml:"credential"`
	PasswordHash string    `json:"-" yaml:"password_hash"`
	Roles        []Role    `json:"roles,omitempty" yaml:"roles"`
	Disabled     bool      `json:"disabled,omitempty" yaml:"disabled"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Store resolves users. Implementations return ErrNotFound on a miss.
type Store interface {
	FindByCredential(ctx context.Context, credential string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

// NormalizeCredential folds case and surrounding space so that login names
// compare the way users expect.
func NormalizeCredential(credential string) string {
	return strings.ToLower(strings.TrimSpace(credential))
}
