package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/autherr"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"resource not found"}`, w.Body.String())
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteNoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestWriteAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{
			name:   "wrong password",
			err:    autherr.New(autherr.ErrAuthenticationFailed, "bad_password"),
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown user",
			err:    autherr.New(autherr.ErrAuthenticationFailed, "unknown_credential"),
			status: http.StatusUnauthorized,
		},
		{
			name:       "locked",
			err:        autherr.New(autherr.ErrAccountLocked, "locked").WithRetryAfter(299500 * time.Millisecond),
			status:     http.StatusTooManyRequests,
			retryAfter: "300",
		},
		{
			name:       "store down",
			err:        autherr.Wrap(autherr.ErrStoreUnavailable, "get", errors.New("dial tcp: refused")),
			status:     http.StatusServiceUnavailable,
			retryAfter: "1",
		},
		{
			name:   "challenge",
			err:    autherr.New(autherr.ErrChallengeRequired, "threat"),
			status: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)

			WriteAuthError(w, r, tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
			resp := decodeError(t, w)
			assert.Equal(t, autherr.PublicMessage(tt.err), resp.Error)
			assert.NotContains(t, w.Body.String(), "bad_password")
			assert.NotContains(t, w.Body.String(), "unknown_credential")
			assert.NotContains(t, w.Body.String(), "dial tcp")
		})
	}
}

func TestWriteAuthError_SameBodyForEveryCredentialFailure(t *testing.T) {
	bodies := map[string]bool{}
	for _, reason := range []string{"bad_password", "unknown_credential", "user_disabled"} {
		w := httptest.NewRecorder()
		WriteAuthError(w, httptest.NewRequest(http.MethodPost, "/", nil), autherr.New(autherr.ErrAuthenticationFailed, reason))
		assert.Equal(t, `Bearer realm="warden"`, w.Header().Get("WWW-Authenticate"))
		bodies[w.Body.String()] = true
	}
	assert.Len(t, bodies, 1)
}
