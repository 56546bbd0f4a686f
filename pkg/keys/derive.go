package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/platinummonkey/warden/pkg/autherr"
)

// MasterKeySize is the length of a master secret in bytes.
const MasterKeySize = 32

// Purpose labels. Changing any of these invalidates every derived key.
const (
	LabelSession    = "warden/v1/session"
	LabelToken      = "warden/v1/token"
	LabelEncryption = "warden/v1/encryption"
	LabelSigning    = "warden/v1/signing"
)

const maxDeriveLength = 255 * sha256.Size

// Derive expands masterKey into a subkey bound to purposeLabel using
// HKDF-SHA256. The salt is derived from the label, so the same
// (masterKey, purposeLabel) always yields the same output and distinct
// labels yield independent outputs.
func Derive(masterKey []byte, purposeLabel string, length int) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("derive %q: empty master key", purposeLabel)
	}
	if purposeLabel == "" {
		return nil, fmt.Errorf("derive: empty purpose label")
	}
	if length <= 0 || length > maxDeriveLength {
		return nil, fmt.Errorf("derive %q: invalid length %d", purposeLabel, length)
	}

	salt := sha256.Sum256([]byte("warden/salt/" + purposeLabel))
	reader := hkdf.New(sha256.New, masterKey, salt[:], []byte(purposeLabel))

	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive %q: %w", purposeLabel, err)
	}
	return out, nil
}

// ParseMasterKey decodes a 32-byte seed given as hex or base64 (standard
// or URL alphabet, padded or raw). Anything else is a KeyInitError.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, autherr.New(autherr.ErrKeyInit, "empty master key")
	}

	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		b, err := decode(s)
		if err != nil {
			continue
		}
		if len(b) == MasterKeySize {
			return b, nil
		}
		zero(b)
	}

	return nil, autherr.New(autherr.ErrKeyInit,
		fmt.Sprintf("master key must be %d bytes encoded as hex or base64", MasterKeySize))
}

// Fingerprint identifies key material without revealing it: the first
// 16 hex characters of SHA-256 over the input.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])[:16]
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
