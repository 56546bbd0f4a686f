package e2e

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/platinummonkey/warden/pkg/autherr"
)

// KeySize is the size of X25519 public and private keys.
const KeySize = curve25519.ScalarSize

// contextLabel binds derived keys and ciphertexts to this envelope format.
const contextLabel = "warden/v1/e2e-message"

// Envelope is one encrypted message. Byte fields encode as base64 in JSON.
type Envelope struct {
	Ciphertext         []byte `json:"ciphertext"`
	Nonce              []byte `json:"nonce"`
	AuthTag            []byte `json:"auth_tag"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
}

// KeyPair is a long-term identity key.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair creates an identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(rnd io.Reader) (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rnd, priv); err != nil {
		return nil, fmt.Errorf("e2e: generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("e2e: derive public key: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Encrypt seals plaintext for the holder of recipientPublicKey using a
// fresh ephemeral key.
func Encrypt(plaintext, recipientPublicKey []byte) (*Envelope, error) {
	return encrypt(rand.Reader, plaintext, recipientPublicKey)
}

func encrypt(rnd io.Reader, plaintext, recipientPublicKey []byte) (*Envelope, error) {
	if len(recipientPublicKey) != KeySize {
		return nil, fmt.Errorf("e2e: recipient public key must be %d bytes, got %d", KeySize, len(recipientPublicKey))
	}

	ephemeral, err := generateKeyPair(rnd)
	if err != nil {
		return nil, err
	}
	defer zero(ephemeral.PrivateKey)

	shared, err := curve25519.X25519(ephemeral.PrivateKey, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("e2e: key agreement: %w", err)
	}
	defer zero(shared)

	aead, err := newAEAD(shared, ephemeral.PublicKey, recipientPublicKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("e2e: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData(ephemeral.PublicKey, recipientPublicKey))
	split := len(sealed) - aead.Overhead()

	return &Envelope{
		Ciphertext:         sealed[:split:split],
		Nonce:              nonce,
		AuthTag:            sealed[split:],
		EphemeralPublicKey: ephemeral.PublicKey,
	}, nil
}

// Decrypt opens an envelope with the recipient's private key. Any
// malformed or tampered envelope fails with ErrDecryptionFailed and yields
// no plaintext.
func Decrypt(env *Envelope, recipientPrivateKey []byte) ([]byte, error) {
	if env == nil {
		return nil, autherr.New(autherr.ErrDecryptionFailed, "nil envelope")
	}
	if len(recipientPrivateKey) != KeySize || len(env.EphemeralPublicKey) != KeySize {
		return nil, autherr.New(autherr.ErrDecryptionFailed, "malformed key")
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.AuthTag) != chacha20poly1305.Overhead {
		return nil, autherr.New(autherr.ErrDecryptionFailed, "malformed envelope")
	}

	recipientPublicKey, err := curve25519.X25519(recipientPrivateKey, curve25519.Basepoint)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrDecryptionFailed, "derive public key", err)
	}
	shared, err := curve25519.X25519(recipientPrivateKey, env.EphemeralPublicKey)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrDecryptionFailed, "key agreement", err)
	}
	defer zero(shared)

	aead, err := newAEAD(shared, env.EphemeralPublicKey, recipientPublicKey)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrDecryptionFailed, "derive key", err)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, associatedData(env.EphemeralPublicKey, recipientPublicKey))
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrDecryptionFailed, "authentication failed", err)
	}
	return plaintext, nil
}

// newAEAD derives the one-time message key. Both public keys salt the
// derivation so a key is bound to exactly one sender/recipient exchange.
func newAEAD(shared, ephemeralPublic, recipientPublic []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	key := make([]byte, chacha20poly1305.KeySize)
	defer zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(contextLabel)), key); err != nil {
		return nil, fmt.Errorf("e2e: derive message key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("e2e: init cipher: %w", err)
	}
	return aead, nil
}

func associatedData(ephemeralPublic, recipientPublic []byte) []byte {
	ad := make([]byte, 0, len(contextLabel)+2*KeySize)
	ad = append(ad, contextLabel...)
	ad = append(ad, ephemeralPublic...)
	ad = append(ad, recipientPublic...)
	return ad
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
