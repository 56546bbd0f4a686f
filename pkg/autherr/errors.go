package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for every failure kind the auth core can produce.
// Components wrap these with fmt.Errorf("...: %w", err) so callers can
// classify with errors.Is.
var (
	// ErrKeyInit is fatal: the process cannot run without key material.
	ErrKeyInit = errors.New("key initialization failed")

	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrSessionExpired = errors.New("session expired")

	ErrAccountLocked = errors.New("account locked")
	ErrRateLimited   = errors.New("rate limited")

	// ErrThreatDetected is informational unless the rule action escalates.
	ErrThreatDetected = errors.New("threat detected")

	ErrTwoFactorSetupExpired = errors.New("two-factor setup expired")
	ErrTwoFactorCodeInvalid  = errors.New("two-factor code invalid")
	ErrTwoFactorNotEnrolled  = errors.New("two-factor not enrolled")

	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrStoreUnavailable is a retryable infrastructure fault. It must never
	// be reported as an authentication failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAuthenticationFailed is the generic rejection for bad credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrChallengeRequired means a secondary verification must be completed.
	ErrChallengeRequired = errors.New("additional verification required")
)

// genericMessage is the only message an unauthenticated caller ever sees
// for credential, token and session failures.
const genericMessage = "authentication failed"

// AuthError wraps a sentinel with context for logs and audit records.
// Message and the context fields are internal; PublicMessage is safe to
// return to a client.
type AuthError struct {
	Kind       error
	Message    string
	Err        error
	UserID     string
	RetryAfter time.Duration
}

// New creates an AuthError of the given kind.
func New(kind error, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

// Wrap creates an AuthError of the given kind around a cause.
func Wrap(kind error, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Err: err}
}

// WithUserID attaches the user the failure relates to.
func (e *AuthError) WithUserID(userID string) *AuthError {
	e.UserID = userID
	return e
}

// WithRetryAfter attaches how long the caller should wait.
func (e *AuthError) WithRetryAfter(d time.Duration) *AuthError {
	e.RetryAfter = d
	return e
}

func (e *AuthError) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// PublicMessage returns text that is safe to show to an unauthenticated
// caller. User-not-found and wrong-password are indistinguishable here.
func (e *AuthError) PublicMessage() string {
	return PublicMessage(e)
}

// PublicMessage maps any error to a client-safe message.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return "service temporarily unavailable"
	case errors.Is(err, ErrAccountLocked), errors.Is(err, ErrRateLimited):
		return "too many attempts, try again later"
	case errors.Is(err, ErrChallengeRequired):
		return "additional verification required"
	case errors.Is(err, ErrTwoFactorSetupExpired):
		return "two-factor setup expired, start again"
	case errors.Is(err, ErrDecryptionFailed):
		return "message could not be decrypted"
	default:
		return genericMessage
	}
}

// HTTPStatus maps an error to the status code used at the HTTP boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAccountLocked), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrChallengeRequired):
		return http.StatusForbidden
	case errors.Is(err, ErrTwoFactorSetupExpired):
		return http.StatusGone
	case errors.Is(err, ErrDecryptionFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrKeyInit):
		return http.StatusInternalServerError
	case IsAuthFailure(err):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// IsAuthFailure reports whether err is a rejection of the caller's
// credentials, token, session or second factor.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrTwoFactorCodeInvalid) ||
		errors.Is(err, ErrTwoFactorNotEnrolled)
}

// Retryable reports whether the caller should retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// RetryAfter extracts the retry hint from an AuthError chain, if any.
func RetryAfter(err error) time.Duration {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}
