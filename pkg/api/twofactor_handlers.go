package api

import (
	"net/http"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
)

// beginTwoFactor handles POST /v1/2fa/enroll
func (s *Server) beginTwoFactor(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.service.BeginTwoFactor(r.Context(), middleware.GetPrincipal(r).UserID)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusCreated, enrollment, "failed to encode enrollment")
}

// confirmTwoFactor handles POST /v1/2fa/confirm
func (s *Server) confirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}
	if err := s.service.ConfirmTwoFactor(r.Context(), middleware.GetPrincipal(r).UserID, req.Code); err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// disableTwoFactor handles POST /v1/2fa/disable
func (s *Server) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.service.DisableTwoFactor(r.Context(), middleware.GetPrincipal(r).UserID, req.Password); err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// regenerateBackupCodes handles POST /v1/2fa/backup-codes
func (s *Server) regenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	codes, err := s.service.RegenerateBackupCodes(r.Context(), middleware.GetPrincipal(r).UserID, req.Password)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	resp, err := s.backupCodesResponse(r, middleware.GetPrincipal(r).UserID, codes)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, resp, "failed to encode backup codes")
}
