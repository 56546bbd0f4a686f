package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/warden"
)

type authFunc func(ctx context.Context, token string, device session.Device) (*warden.Principal, error)

func (f authFunc) Authenticate(ctx context.Context, token string, device session.Device) (*warden.Principal, error) {
	return f(ctx, token, device)
}

func staticAuth(valid string, p *warden.Principal, seen *session.Device) Authenticator {
	return authFunc(func(_ context.Context, token string, device session.Device) (*warden.Principal, error) {
		if seen != nil {
			*seen = device
		}
		if token != valid {
			return nil, autherr.New(autherr.ErrTokenInvalid, "signature mismatch")
		}
		return p, nil
	})
}

func TestAuthMiddleware_Handler(t *testing.T) {
	alice := &warden.Principal{UserID: "u-alice", SessionID: "abcdefghijklmnop"}
	var device session.Device
	m := NewAuthMiddleware(staticAuth("good", alice, &device), false)

	var got *warden.Principal
	var ctxUser, ctxSession string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r)
		ctxUser = observability.GetUserID(r.Context())
		ctxSession = observability.GetSessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("rejects request without Authorization header", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("rejects invalid token without leaking the reason", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
		req.Header.Set("Authorization", "Bearer forged")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "signature")
	})

	t.Run("accepts valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		req.Header.Set("Authorization", "Bearer good")
		req.Header.Set("User-Agent", "Firefox/128")
		req.Header.Set("X-Device-ID", "dev-1")
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Same(t, alice, got)
		assert.Equal(t, "u-alice", ctxUser)
		assert.Equal(t, "abcdefgh", ctxSession)
		assert.Equal(t, session.Device{IP: "192.0.2.10", UserAgent: "Firefox/128", DeviceID: "dev-1"}, device)
	})
}

func TestAuthMiddleware_StoreFaultIs503(t *testing.T) {
	m := NewAuthMiddleware(authFunc(func(context.Context, string, session.Device) (*warden.Principal, error) {
		return nil, autherr.New(autherr.ErrStoreUnavailable, "redis down")
	}), false)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer any")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name      string
		principal *warden.Principal
		status    int
	}{
		{name: "anonymous", status: http.StatusUnauthorized},
		{name: "user", principal: &warden.Principal{UserID: "u-1", Roles: []identity.Role{identity.RoleUser}}, status: http.StatusForbidden},
		{name: "admin", principal: &warden.Principal{UserID: "u-2", Roles: []identity.Role{identity.RoleAdmin}}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
