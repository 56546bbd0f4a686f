package warden

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/e2e"
	"github.com/platinummonkey/warden/pkg/keys"
	"github.com/platinummonkey/warden/pkg/kv"
)

const identityKeyPrefix = "e2e_identity:"

var (
	// ErrNoIdentityKey means the user has not published an identity key.
	ErrNoIdentityKey = errors.New("no identity key published")
	// ErrInvalidIdentityKey rejects a key that is not an X25519 public key.
	ErrInvalidIdentityKey = errors.New("invalid identity key")
)

// PublishIdentityKey records the user's long-term X25519 public key so that
// others can encrypt messages to them. A later call replaces the key.
func (s *Service) PublishIdentityKey(ctx context.Context, userID string, publicKey []byte) (err error) {
	ctx, done := s.observe(ctx, "publish_identity_key")
	defer done(&err)

	if len(publicKey) != e2e.KeySize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidIdentityKey, e2e.KeySize, len(publicKey))
	}
	if _, err := s.userByID(ctx, userID); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(publicKey)
	if err := s.kv.Set(ctx, identityKeyPrefix+userID, encoded, 0); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.EventIdentityKeyPublished, map[string]interface{}{
		"user_id":     userID,
		"fingerprint": keys.Fingerprint(publicKey),
	})
	return nil
}

// IdentityKey returns the public key a user published, or ErrNoIdentityKey.
func (s *Service) IdentityKey(ctx context.Context, userID string) ([]byte, error) {
	raw, err := s.kv.Get(ctx, identityKeyPrefix+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoIdentityKey
	}
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("warden: identity key for %s: %w", userID, err)
	}
	return key, nil
}

// SealForUser encrypts plaintext to the user's identity key. Only the
// holder of the matching private key can open the envelope; the server
// keeps no copy of the plaintext.
func (s *Service) SealForUser(ctx context.Context, userID string, plaintext []byte) (*e2e.Envelope, error) {
	publicKey, err := s.IdentityKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e2e.Encrypt(plaintext, publicKey)
}
