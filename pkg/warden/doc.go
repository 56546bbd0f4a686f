// Package warden composes the auth core into the Service that request
// handlers call.
//
// A password login is checked against the account lock, the identity store
// and the second-factor state before a session is opened and a token pair
// issued:
//
//	res, err := svc.Login(ctx, warden.LoginRequest{
//		Credential: "alice@example.com",
//		Password:   password,
//		Device:     session.Device{IP: ip, UserAgent: ua},
//	})
//	if res.Challenge != nil {
//		res, err = svc.CompleteTwoFactor(ctx, res.Challenge.ID, code)
//	}
//
// Failed attempts count toward brute-force lockout per account and toward
// credential-stuffing detection per client network. Callers only ever see
// the generic rejection kinds from package autherr; the precise reason is in
// the audit log.
package warden
