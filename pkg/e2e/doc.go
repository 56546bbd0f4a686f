// Package e2e encrypts messages between long-term X25519 identity keys.
//
// Every message gets a fresh ephemeral key. The X25519 shared secret is
// expanded with HKDF-SHA256 into a one-time XChaCha20-Poly1305 key, and
// both public keys are bound into the associated data, so an envelope can
// only be opened by its intended recipient and any modification is
// detected.
package e2e
