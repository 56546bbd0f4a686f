package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/warden"
)

type principalKey struct{}

// Authenticator verifies a bearer token presented from a device.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string, device session.Device) (*warden.Principal, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	auth       Authenticator
	trustProxy bool
}

// NewAuthMiddleware creates a new authentication middleware. trustProxy
// enables forwarding headers when resolving the client address.
func NewAuthMiddleware(auth Authenticator, trustProxy bool) *AuthMiddleware {
	return &AuthMiddleware{
		auth:       auth,
		trustProxy: trustProxy,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := httputil.BearerToken(r)
		if !ok {
			httputil.WriteAuthError(w, r, autherr.New(autherr.ErrTokenInvalid, "missing bearer token"))
			return
		}

		p, err := m.auth.Authenticate(r.Context(), token, DeviceFromRequest(r, m.trustProxy))
		if err != nil {
			httputil.WriteAuthError(w, r, err)
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		ctx = observability.WithUserID(ctx, p.UserID)
		ctx = observability.WithSessionID(ctx, session.ShortID(p.SessionID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceFromRequest describes the client of r.
func DeviceFromRequest(r *http.Request, trustProxy bool) session.Device {
	return session.Device{
		IP:        httputil.ClientIP(r, trustProxy),
		UserAgent: r.UserAgent(),
		DeviceID:  r.Header.Get("X-Device-ID"),
	}
}

// WithPrincipal stores the authenticated caller in ctx.
func WithPrincipal(ctx context.Context, p *warden.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal extracts the authenticated caller from request
func GetPrincipal(r *http.Request) *warden.Principal {
	p, _ := r.Context().Value(principalKey{}).(*warden.Principal)
	return p
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r)
		if p == nil {
			httputil.WriteAuthError(w, r, autherr.New(autherr.ErrTokenInvalid, "authentication required"))
			return
		}
		if !p.IsAdmin() {
			httputil.WriteForbidden(w, "insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
