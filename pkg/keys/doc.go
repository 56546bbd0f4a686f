// Package keys holds the master secret and the subkeys derived from it.
//
// Every subkey is HKDF-SHA256 output keyed on a fixed purpose label, so
// the session, token, encryption and signing keys are independent even
// though they share one master secret. Only the token key is consumed
// inside this module; the session, encryption and signing keys are exposed
// on KeyMaterial for embedding services that need a server-held secret
// for those purposes. Message encryption between users does not use them:
// pkg/e2e works on the users' own X25519 identity keys.
//
// Rotation generates a new master secret. The outgoing material stays
// available for token verification until the grace period ends and is
// then zeroed. Rotation errors wrap autherr.ErrKeyInit; the process must
// not continue without key material.
//
// With a shared kv store and a configured master key, workers agree on the
// keys through the keyring record: epoch N's master is derived from the
// configured key, and rotating advances the epoch with a compare-and-swap
// so exactly one worker rotates. A worker that sees a token signed by an
// epoch it does not know re-reads the keyring, at most once per sync
// interval.
package keys
