// Package api provides the HTTP REST API of the warden auth service.
//
// # Overview
//
// The API is a thin layer over warden.Service built on gorilla/mux. Handlers
// decode JSON, call the service, and map failures through
// httputil.WriteAuthError so every credential rejection looks the same on
// the wire. Store faults surface as 503, never as 401.
//
// # Routes
//
// Unauthenticated:
//
//	POST   /v1/auth/login        password login (rate limited per client address)
//	POST   /v1/auth/2fa          complete a login challenge with a second factor
//	POST   /v1/auth/refresh      exchange a refresh token for a new pair
//
// Bearer authenticated:
//
//	POST   /v1/auth/logout       end the calling session
//	POST   /v1/auth/logout-all   end every session of the caller
//	GET    /v1/sessions          list the caller's sessions
//	DELETE /v1/sessions/{id}     end one session
//	POST   /v1/2fa/enroll        start two-factor enrollment
//	POST   /v1/2fa/confirm       confirm enrollment with a first code
//	POST   /v1/2fa/disable       turn two-factor off (requires password)
//	POST   /v1/2fa/backup-codes  issue a fresh set of backup codes (requires password);
//	                             sealed to the caller's identity key when one is published
//	PUT    /v1/e2e/identity      publish the caller's X25519 identity key
//	GET    /v1/e2e/identity/{id} fetch a user's identity key to encrypt messages to them
//
// Admin only:
//
//	POST   /v1/users/{id}/unlock lift a brute-force lockout
//	GET    /v1/audit             export audit events (json, ndjson or csv)
//
// # Usage
//
//	server, err := api.NewServer(api.Config{
//		Service: svc,
//		Audit:   recorder.Store(),
//		Logger:  logger,
//		Metrics: metrics,
//	})
//	if err != nil {
//		return err
//	}
//	http.ListenAndServe(":8080", server)
package api
