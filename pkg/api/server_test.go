package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/e2e"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/keys"
	"github.com/platinummonkey/warden/pkg/kv/kvtest"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/token"
	"github.com/platinummonkey/warden/pkg/twofactor"
	"github.com/platinummonkey/warden/pkg/warden"
)

const password = "correct horse battery staple"

type testServer struct {
	server   *Server
	h        *kvtest.Harness
	recorder *audit.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	h := kvtest.New(t)
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	recorder := audit.NewRecorder(audit.RecorderConfig{Clock: h.Clock, Logger: logger})
	hasher := identity.NewHasher(bcrypt.MinCost)

	hash, err := hasher.Hash(password)
	require.NoError(t, err)
	users, err := identity.NewMemoryStore(
		&identity.User{ID: "u-alice", Credential: "alice@example.com", PasswordHash: hash, Roles: []identity.Role{identity.RoleUser}},
		&identity.User{ID: "u-root", Credential: "root@example.com", PasswordHash: hash, Roles: []identity.Role{identity.RoleAdmin}},
	)
	require.NoError(t, err)

	km := keys.NewManager(keys.Config{Clock: h.Clock, Auditor: recorder, Logger: logger})
	_, err = km.Initialize(ctx, nil)
	require.NoError(t, err)
	sessions, err := session.NewStore(h.Store, session.Config{Clock: h.Clock, Auditor: recorder, Logger: logger})
	require.NoError(t, err)
	tokens, err := token.NewService(km, sessions, h.Store, token.Config{Clock: h.Clock, Auditor: recorder, Logger: logger})
	require.NoError(t, err)
	tf, err := twofactor.NewAuthenticator(h.Store, twofactor.Config{Clock: h.Clock, Auditor: recorder, Logger: logger})
	require.NoError(t, err)
	detector, err := threat.NewDetector(h.Store, threat.Config{Clock: h.Clock, Auditor: recorder, Logger: logger})
	require.NoError(t, err)
	limiter, err := threat.NewLimiter(h.Store, threat.LimiterConfig{Auditor: recorder, Logger: logger})
	require.NoError(t, err)

	svc, err := warden.New(warden.Config{
		KV:        h.Store,
		Users:     users,
		Hasher:    hasher,
		Sessions:  sessions,
		Tokens:    tokens,
		TwoFactor: tf,
		Detector:  detector,
		Limiter:   limiter,
		Clock:     h.Clock,
		Auditor:   recorder,
		Logger:    logger,
	})
	require.NoError(t, err)

	server, err := NewServer(Config{
		Service:  svc,
		Audit:    recorder.Store(),
		Logger:   logger,
		Metrics:  metrics,
		Throttle: middleware.ThrottleConfig{RequestsPerSecond: 1000, Burst: 1000},
	})
	require.NoError(t, err)
	return &testServer{server: server, h: h, recorder: recorder}
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T, credential string) LoginResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: credential, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Pair)
	return resp
}

func (ts *testServer) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, ts.h.Clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestNewServer_RequiresService(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestServer_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.login(t, "alice@example.com")
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Nil(t, resp.Challenge)

	rec := ts.do(t, http.MethodGet, "/v1/sessions", resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, resp.SessionID, list.Sessions[0].ID)
	assert.True(t, list.Sessions[0].Current)
	assert.Equal(t, "192.0.2.1", list.Sessions[0].Device.IP)

	rec = ts.do(t, http.MethodPost, "/v1/auth/logout", resp.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/sessions", resp.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_RejectionsLookAlike(t *testing.T) {
	ts := newTestServer(t)

	wrong := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: "nope"})
	unknown := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "mallory@example.com", Password: "nope"})

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestLogin_ChallengedNetworkGetsNoPasswordOracle(t *testing.T) {
	ts := newTestServer(t)

	for _, cred := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		rec := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: cred, Password: "123456"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	wrong := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: "nope"})
	right := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: password})

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, right.Code)
	assert.Equal(t, wrong.Body.String(), right.Body.String())
}

func TestLogin_MalformedBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_RateLimitedPerAddress(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: "nope"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: password})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(900), decodeError(t, rec).RetryAfter)
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.login(t, "alice@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/auth/refresh", "", RefreshRequest{RefreshToken: resp.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair token.Pair
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pair))
	assert.NotEmpty(t, pair.AccessToken)

	rec = ts.do(t, http.MethodPost, "/v1/auth/refresh", "", RefreshRequest{RefreshToken: resp.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/auth/refresh", "", RefreshRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutAll(t *testing.T) {
	ts := newTestServer(t)
	first := ts.login(t, "alice@example.com")
	second := ts.login(t, "alice@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/auth/logout-all", second.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LogoutAllResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Terminated)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/sessions", first.AccessToken, nil).Code)
}

func TestRevokeSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice@example.com")
	other := ts.login(t, "alice@example.com")

	rec := ts.do(t, http.MethodDelete, "/v1/sessions/"+other.SessionID, alice.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/sessions", other.AccessToken, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/sessions", alice.AccessToken, nil).Code)
}

func TestTwoFactorFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/2fa/enroll", alice.AccessToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var enrollment twofactor.Enrollment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&enrollment))
	require.NotEmpty(t, enrollment.Secret)

	rec = ts.do(t, http.MethodPost, "/v1/2fa/confirm", alice.AccessToken, CodeRequest{Code: ts.code(t, enrollment.Secret)})
	require.Equal(t, http.StatusNoContent, rec.Code)
	ts.h.Advance(30 * time.Second)

	rec = ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: password})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var held LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&held))
	require.NotNil(t, held.Challenge)
	assert.Nil(t, held.Pair)
	assert.Equal(t, warden.ChallengeTwoFactor, held.Challenge.Reason)

	rec = ts.do(t, http.MethodPost, "/v1/auth/2fa", "", TwoFactorRequest{ChallengeID: held.Challenge.ID, Code: ts.code(t, enrollment.Secret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&done))
	require.NotNil(t, done.Pair)
	assert.NotEmpty(t, done.SessionID)

	rec = ts.do(t, http.MethodPost, "/v1/2fa/backup-codes", done.AccessToken, PasswordRequest{Password: password})
	require.Equal(t, http.StatusOK, rec.Code)
	var codes BackupCodesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&codes))
	assert.NotEmpty(t, codes.BackupCodes)

	rec = ts.do(t, http.MethodPost, "/v1/2fa/disable", done.AccessToken, PasswordRequest{Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/2fa/disable", done.AccessToken, PasswordRequest{Password: password})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ts.login(t, "alice@example.com")
}

func TestAudit_AdminOnly(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice@example.com")
	root := ts.login(t, "root@example.com")

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/audit", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/v1/audit", alice.AccessToken, nil).Code)

	rec := ts.do(t, http.MethodGet, "/v1/audit?event_type=login_success&user_id=u-alice", root.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var events []*audit.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventLoginSuccess, events[0].EventType)
	assert.Equal(t, "u-alice", events[0].UserID())

	rec = ts.do(t, http.MethodGet, "/v1/audit?format=csv&limit=5", root.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "ID,Timestamp,EventType,UserID,Data"))

	for _, q := range []string{"format=xml", "limit=0", "since=yesterday"} {
		rec = ts.do(t, http.MethodGet, "/v1/audit?"+q, root.AccessToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestUnlockAccount(t *testing.T) {
	ts := newTestServer(t)
	root := ts.login(t, "root@example.com")
	alice := ts.login(t, "alice@example.com")

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/v1/users/u-root/unlock", alice.AccessToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/v1/users/u-alice/unlock", root.AccessToken, nil).Code)
}

func TestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.h.Redis.Close()

	rec := ts.do(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{Credential: "alice@example.com", Password: password})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIdentityKeys(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice@example.com")
	root := ts.login(t, "root@example.com")

	rec := ts.do(t, http.MethodGet, "/v1/e2e/identity/u-alice", root.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/e2e/identity", alice.AccessToken, IdentityKeyRequest{PublicKey: []byte("short")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pair, err := e2e.GenerateKeyPair()
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPut, "/v1/e2e/identity", alice.AccessToken, IdentityKeyRequest{PublicKey: pair.PublicKey})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/e2e/identity/u-alice", root.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got IdentityKeyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "u-alice", got.UserID)
	assert.Equal(t, pair.PublicKey, got.PublicKey)

	// a message sealed to the published key opens only with alice's private key
	env, err := e2e.Encrypt([]byte("meet at noon"), got.PublicKey)
	require.NoError(t, err)
	plaintext, err := e2e.Decrypt(env, pair.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "meet at noon", string(plaintext))

	published := ts.recorder.Store().Search(audit.SearchFilter{EventTypes: []audit.EventType{audit.EventIdentityKeyPublished}})
	require.Len(t, published, 1)
	assert.Equal(t, "u-alice", published[0].UserID())
}

func TestBackupCodesSealedToIdentityKey(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/2fa/enroll", alice.AccessToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var enrollment twofactor.Enrollment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&enrollment))
	rec = ts.do(t, http.MethodPost, "/v1/2fa/confirm", alice.AccessToken, CodeRequest{Code: ts.code(t, enrollment.Secret)})
	require.Equal(t, http.StatusNoContent, rec.Code)

	pair, err := e2e.GenerateKeyPair()
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPut, "/v1/e2e/identity", alice.AccessToken, IdentityKeyRequest{PublicKey: pair.PublicKey})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/2fa/backup-codes", alice.AccessToken, PasswordRequest{Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp BackupCodesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.BackupCodes)
	require.NotNil(t, resp.SealedBackupCodes)

	plaintext, err := e2e.Decrypt(resp.SealedBackupCodes, pair.PrivateKey)
	require.NoError(t, err)
	codes := strings.Split(string(plaintext), "\n")
	assert.Len(t, codes, 10)

	other, err := e2e.GenerateKeyPair()
	require.NoError(t, err)
	_, err = e2e.Decrypt(resp.SealedBackupCodes, other.PrivateKey)
	assert.Error(t, err)
}
