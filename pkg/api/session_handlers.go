package api

import (
	"net/http"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
)

// listSessions handles GET /v1/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sessions, err := s.service.ListSessions(r.Context(), p.UserID)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}

	resp := SessionListResponse{Sessions: make([]SessionView, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, SessionView{
			ID:           sess.ID,
			Device:       sess.Device,
			Status:       sess.Status,
			RiskScore:    sess.RiskScore,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
			Current:      sess.ID == p.SessionID,
		})
	}
	httputil.WriteJSONOrError(w, http.StatusOK, resp, "failed to encode sessions")
}

// revokeSession handles DELETE /v1/sessions/{id}
func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.service.RevokeSession(r.Context(), middleware.GetPrincipal(r), id); err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// unlockAccount handles POST /v1/users/{id}/unlock
func (s *Server) unlockAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.service.UnlockAccount(r.Context(), middleware.GetPrincipal(r), id); err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
