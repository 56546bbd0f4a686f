// Package token issues and verifies HS256 bearer tokens bound to sessions.
//
// Access tokens are stateless: a valid signature and expiry are necessary
// but not sufficient, because every verification also requires the
// referenced session to be live. Refresh tokens are additionally registered
// in the kv store by hash so they can be revoked individually or per
// session.
//
// Signatures are checked against the active token key first and then a
// retiring key still inside its grace period, so key rotation never
// invalidates tokens already handed out.
package token
