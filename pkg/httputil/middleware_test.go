package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/warden/pkg/observability"
)

func TestRequestIDMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)
	var seen string
	handler := RequestIDMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
		observability.FromContext(r.Context()).Info("inside")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), seen)

	// a caller-supplied UUID is kept, anything else replaced
	given := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", given)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, given, seen)

	req.Header.Set("X-Request-ID", "<script>")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "<script>", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(observability.WithLogger(req.Context(), observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})))
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() { handler.ServeHTTP(w, req) })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	handler := Chain(RequestIDMiddleware(observability.NewLogger(observability.InfoLevel, &buf)), LoggingMiddleware)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/v1/sessions"`)
}

func TestContentTypeMiddleware(t *testing.T) {
	handler := ContentTypeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaxBytesMiddleware(t *testing.T) {
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dest map[string]string
		if !ParseJSONOrError(w, r, &dest) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"password":"far too long"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
