package api

import (
	"net/http"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/warden"
)

// login handles POST /v1/auth/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := s.service.Login(r.Context(), warden.LoginRequest{
		Credential: req.Credential,
		Password:   req.Password,
		Device:     middleware.DeviceFromRequest(r, s.trustProxy),
	})
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	s.writeLoginResult(w, res)
}

// completeTwoFactor handles POST /v1/auth/2fa
func (s *Server) completeTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ChallengeID, "challenge_id") ||
		!httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}

	res, err := s.service.CompleteTwoFactor(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	s.writeLoginResult(w, res)
}

func (s *Server) writeLoginResult(w http.ResponseWriter, res *warden.LoginResult) {
	status := http.StatusOK
	if res.Challenge != nil {
		status = http.StatusAccepted
	}
	httputil.WriteJSONOrError(w, status, newLoginResponse(res), "failed to encode login response")
}

// refresh handles POST /v1/auth/refresh
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.RefreshToken, "refresh_token") {
		return
	}

	pair, err := s.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, pair, "failed to encode tokens")
}

// logout handles POST /v1/auth/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), middleware.GetPrincipal(r)); err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// logoutAll handles POST /v1/auth/logout-all
func (s *Server) logoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.LogoutAll(r.Context(), middleware.GetPrincipal(r).UserID)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, LogoutAllResponse{Terminated: n}, "failed to encode response")
}
