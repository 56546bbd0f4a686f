package middleware

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/threat"
)

// KeyFunc selects the identifier a request is limited under. An empty key
// skips limiting.
type KeyFunc func(r *http.Request) string

// ByClientIP limits per client address.
func ByClientIP(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + httputil.ClientIP(r, trustProxy)
	}
}

// ByPrincipal limits per authenticated user. It must run after
// AuthMiddleware.
func ByPrincipal() KeyFunc {
	return func(r *http.Request) string {
		if p := GetPrincipal(r); p != nil {
			return "user:" + p.UserID
		}
		return ""
	}
}

// OperationLimitMiddleware enforces one operation's limit from the shared
// store, so every instance sees the same counts. Store faults reject the
// request with 503; the limit never fails open.
type OperationLimitMiddleware struct {
	limiter *threat.Limiter
	op      threat.Operation
	key     KeyFunc
}

// NewOperationLimitMiddleware creates a limiter middleware for op.
func NewOperationLimitMiddleware(limiter *threat.Limiter, op threat.Operation, key KeyFunc) *OperationLimitMiddleware {
	return &OperationLimitMiddleware{
		limiter: limiter,
		op:      op,
		key:     key,
	}
}

// Handler wraps an HTTP handler with distributed rate limiting
func (m *OperationLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := m.key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if limit, ok := m.limiter.Limit(m.op); ok {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit.Max, 10))
		}
		if err := m.limiter.Allow(ctx, m.op, key); err != nil {
			w.Header().Set("X-RateLimit-Remaining", "0")
			httputil.WriteAuthError(w, r, err)
			return
		}

		// headers are advisory; a failed read does not block the request
		if remaining, err := m.limiter.Remaining(ctx, m.op, key); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		}
		next.ServeHTTP(w, r)
	})
}
