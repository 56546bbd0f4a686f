package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/warden"
)

// publishIdentityKey handles PUT /v1/e2e/identity
func (s *Server) publishIdentityKey(w http.ResponseWriter, r *http.Request) {
	var req IdentityKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	err := s.service.PublishIdentityKey(r.Context(), middleware.GetPrincipal(r).UserID, req.PublicKey)
	if errors.Is(err, warden.ErrInvalidIdentityKey) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// getIdentityKey handles GET /v1/e2e/identity/{id}
func (s *Server) getIdentityKey(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	key, err := s.service.IdentityKey(r.Context(), id)
	if errors.Is(err, warden.ErrNoIdentityKey) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "no identity key published")
		return
	}
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, IdentityKeyResponse{UserID: id, PublicKey: key}, "failed to encode identity key")
}

// backupCodesResponse seals the codes to the caller's identity key when one
// is published, so they never cross the wire in clear.
func (s *Server) backupCodesResponse(r *http.Request, userID string, codes []string) (BackupCodesResponse, error) {
	env, err := s.service.SealForUser(r.Context(), userID, []byte(strings.Join(codes, "\n")))
	if errors.Is(err, warden.ErrNoIdentityKey) {
		return BackupCodesResponse{BackupCodes: codes}, nil
	}
	if err != nil {
		return BackupCodesResponse{}, err
	}
	return BackupCodesResponse{SealedBackupCodes: env}, nil
}
