package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/warden/pkg/httputil"
)

// ThrottleConfig defines the in-process request throttle
type ThrottleConfig struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// Burst allows temporary bursts above the rate
	Burst int
	// MaxClients bounds how many clients are tracked at once
	MaxClients int
	// IdleTTL forgets clients that have been quiet this long
	IdleTTL time.Duration
}

// DefaultThrottleConfig returns default throttle settings
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		MaxClients:        100000,
		IdleTTL:           10 * time.Minute,
	}
}

// Throttle is a per-client token bucket kept in this process. It sheds
// request floods before they reach the shared store; the security limits
// themselves are OperationLimitMiddleware's.
type Throttle struct {
	config ThrottleConfig
	key    KeyFunc

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewThrottle creates a throttle keyed by key.
func NewThrottle(config ThrottleConfig, key KeyFunc) *Throttle {
	def := DefaultThrottleConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.MaxClients <= 0 {
		config.MaxClients = def.MaxClients
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	return &Throttle{
		config:  config,
		key:     key,
		buckets: expirable.NewLRU[string, *rate.Limiter](config.MaxClients, nil, config.IdleTTL),
	}
}

// Allow checks if a request is allowed for the given key
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	b, ok := t.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rate.Limit(t.config.RequestsPerSecond), t.config.Burst)
	}
	// re-adding refreshes the idle expiry
	t.buckets.Add(key, b)
	t.mu.Unlock()

	return b.Allow()
}

// Handler wraps an HTTP handler with throttling
func (t *Throttle) Handler(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(1 / t.config.RequestsPerSecond)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := t.key(r)
		if key != "" && !t.Allow(key) {
			w.Header().Set("Retry-After", retryAfter)
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
