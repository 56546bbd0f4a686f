// Package middleware provides HTTP middleware for bearer authentication
// and rate limiting.
//
// # Middleware Components
//
// AuthMiddleware: verifies the bearer token through warden.Service and adds
// the Principal to the request context.
//
//	auth := middleware.NewAuthMiddleware(svc, trustProxy)
//	router.Use(auth.Handler)
//	p := middleware.GetPrincipal(r)
//
// OperationLimitMiddleware: shared-store limits per operation, e.g. login
// attempts per client address (5 per 15 minutes by default).
//
//	login := middleware.NewOperationLimitMiddleware(limiter, threat.OpLogin, middleware.ByClientIP(trustProxy))
//
// Throttle: in-process token buckets that shed floods before they reach
// the store.
//
//	router.Use(middleware.NewThrottle(middleware.DefaultThrottleConfig(), middleware.ByClientIP(trustProxy)).Handler)
package middleware
