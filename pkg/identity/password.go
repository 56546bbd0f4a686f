package identity

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and compares passwords with bcrypt.
type Hasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher creates a Hasher. A cost outside bcrypt's range uses the
// default cost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("identity: hash password: %w", err)
	}
	return string(b), nil
}

// Compare reports whether password matches hash.
func (h *Hasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CompareDummy spends the same work as Compare against a hash that never
// matches. It is used for unknown users so response timing does not reveal
// whether an account exists.
func (h *Hasher) CompareDummy(password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("warden timing equalizer"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}

// IsHash reports whether s looks like a bcrypt hash.
func IsHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
