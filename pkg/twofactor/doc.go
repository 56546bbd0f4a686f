// Package twofactor implements TOTP enrollment and verification with
// single-use backup codes.
//
// Codes are accepted within two 30 second steps either side of the server
// clock, and each accepted code is remembered until it can no longer
// validate so it cannot be replayed. Backup codes are stored only as
// argon2id hashes and are consumed atomically with a set removal.
package twofactor
