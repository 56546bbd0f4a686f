package e2e

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/autherr"
)

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestRoundTrip(t *testing.T) {
	recipient := mustKeyPair(t)

	for _, size := range []int{0, 1, 31, 32, 33, 1024, 64 * 1024} {
		msg := make([]byte, size)
		_, err := rand.Read(msg)
		require.NoError(t, err)

		env, err := Encrypt(msg, recipient.PublicKey)
		require.NoError(t, err)
		assert.Len(t, env.Ciphertext, size)
		assert.Len(t, env.AuthTag, 16)
		assert.Len(t, env.Nonce, 24)
		assert.Len(t, env.EphemeralPublicKey, KeySize)

		got, err := Decrypt(env, recipient.PrivateKey)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(msg, got), "size %d", size)
	}
}

func TestEncrypt_FreshPerMessage(t *testing.T) {
	recipient := mustKeyPair(t)
	msg := []byte("meet at the usual place")

	a, err := Encrypt(msg, recipient.PublicKey)
	require.NoError(t, err)
	b, err := Encrypt(msg, recipient.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, a.EphemeralPublicKey, b.EphemeralPublicKey)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotContains(t, string(a.Ciphertext), "usual place")
}

func TestDecrypt_AnyBitFlipFails(t *testing.T) {
	recipient := mustKeyPair(t)
	msg := []byte("transfer approved: 4,200.00")

	env, err := Encrypt(msg, recipient.PublicKey)
	require.NoError(t, err)

	fields := map[string]func(*Envelope) []byte{
		"ciphertext":    func(e *Envelope) []byte { return e.Ciphertext },
		"auth tag":      func(e *Envelope) []byte { return e.AuthTag },
		"nonce":         func(e *Envelope) []byte { return e.Nonce },
		"ephemeral key": func(e *Envelope) []byte { return e.EphemeralPublicKey },
	}
	for name, field := range fields {
		for bit := 0; bit < len(field(env))*8; bit++ {
			tampered := clone(env)
			b := field(tampered)
			b[bit/8] ^= 1 << (bit % 8)

			got, err := Decrypt(tampered, recipient.PrivateKey)
			if !assert.ErrorIs(t, err, autherr.ErrDecryptionFailed, "%s bit %d", name, bit) {
				return
			}
			assert.Nil(t, got)
		}
	}
}

func TestDecrypt_WrongRecipient(t *testing.T) {
	recipient := mustKeyPair(t)
	eavesdropper := mustKeyPair(t)

	env, err := Encrypt([]byte("hello"), recipient.PublicKey)
	require.NoError(t, err)

	got, err := Decrypt(env, eavesdropper.PrivateKey)
	assert.ErrorIs(t, err, autherr.ErrDecryptionFailed)
	assert.Nil(t, got)
}

func TestDecrypt_Malformed(t *testing.T) {
	recipient := mustKeyPair(t)
	env, err := Encrypt([]byte("hello"), recipient.PublicKey)
	require.NoError(t, err)

	cases := map[string]*Envelope{
		"nil":             nil,
		"short nonce":     {Ciphertext: env.Ciphertext, Nonce: env.Nonce[:12], AuthTag: env.AuthTag, EphemeralPublicKey: env.EphemeralPublicKey},
		"truncated tag":   {Ciphertext: env.Ciphertext, Nonce: env.Nonce, AuthTag: env.AuthTag[:8], EphemeralPublicKey: env.EphemeralPublicKey},
		"missing key":     {Ciphertext: env.Ciphertext, Nonce: env.Nonce, AuthTag: env.AuthTag},
		"low order point": {Ciphertext: env.Ciphertext, Nonce: env.Nonce, AuthTag: env.AuthTag, EphemeralPublicKey: make([]byte, KeySize)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Decrypt(tc, recipient.PrivateKey)
			assert.ErrorIs(t, err, autherr.ErrDecryptionFailed)
			assert.Nil(t, got)
		})
	}

	_, err = Decrypt(env, recipient.PrivateKey[:16])
	assert.ErrorIs(t, err, autherr.ErrDecryptionFailed)
}

func TestEncrypt_RejectsBadRecipientKey(t *testing.T) {
	_, err := Encrypt([]byte("x"), []byte("short"))
	assert.Error(t, err)

	_, err = Encrypt([]byte("x"), make([]byte, KeySize))
	assert.Error(t, err, "all-zero public key yields a zero shared secret")
}

func TestEnvelope_SurvivesJSON(t *testing.T) {
	recipient := mustKeyPair(t)
	env, err := Encrypt([]byte("over the wire"), recipient.PublicKey)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	got, err := Decrypt(&decoded, recipient.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", string(got))
}

func TestEncrypt_EntropyFailure(t *testing.T) {
	recipient := mustKeyPair(t)
	_, err := encrypt(bytes.NewReader(make([]byte, 40)), []byte("x"), recipient.PublicKey)
	assert.Error(t, err, "32 bytes for the ephemeral key leave too few for a nonce")
}

func clone(e *Envelope) *Envelope {
	return &Envelope{
		Ciphertext:         append([]byte(nil), e.Ciphertext...),
		Nonce:              append([]byte(nil), e.Nonce...),
		AuthTag:            append([]byte(nil), e.AuthTag...),
		EphemeralPublicKey: append([]byte(nil), e.EphemeralPublicKey...),
	}
}
