// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// Every rejection leaves through WriteAuthError, which maps the autherr
// taxonomy to a status code and a generic message:
//
//	if err != nil {
//		httputil.WriteAuthError(w, r, err) // 401, 403, 429 + Retry-After, 503
//		return
//	}
//
// # Request Parsing
//
//	var req LoginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	ip := httputil.ClientIP(r, trustProxy)
//	token, ok := httputil.BearerToken(r)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(64*1024),
//	)
//
// # Related Packages
//
//   - pkg/middleware: bearer authentication and rate limiting
package httputil
