package httputil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// ParseJSON decodes JSON from the request body into the destination.
// Unknown fields are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryTime extracts an RFC 3339 timestamp query parameter. A missing
// parameter yields the zero time.
func ParseQueryTime(r *http.Request, key string) (time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return time.Time{}, nil
	}
	val, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp for query param %s: %s", key, str)
	}
	return val, nil
}

// RequireNonEmpty validates that a string field is not empty
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		WriteBadRequest(w, fmt.Sprintf("%s is required", fieldName))
		return false
	}
	return true
}

// ClientIP returns the address of the client. Forwarding headers are only
// honoured when trustProxy is set; the first X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
