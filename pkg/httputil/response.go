// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/observability"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteAuthError maps err to its status and a client-safe message. The
// underlying reason is logged, never sent: user-not-found and
// wrong-password produce the same response.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status := autherr.HTTPStatus(err)
	resp := ErrorResponse{Error: autherr.PublicMessage(err)}

	if d := autherr.RetryAfter(err); d > 0 {
		secs := int64(math.Ceil(d.Seconds()))
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	if autherr.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	}

	logger := observability.FromContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Debug("request rejected")
	}
	_ = WriteJSON(w, status, resp)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteJSONOrError writes JSON on success or error on failure
func WriteJSONOrError(w http.ResponseWriter, status int, data interface{}, errMsg string) {
	if err := WriteJSON(w, status, data); err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", errMsg, err))
	}
}
