package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"streamgate/internal/config"
	"streamgate/internal/database"
	"streamgate/internal/middleware"
	"streamgate/internal/models"
	"streamgate/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret: "test-secret-key-0123456789abcdef",
		Port:      "0",
		Env:       "test",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "server_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	srv, err := NewServerWithDeps(testConfig(), db, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.stopJanitor()
		srv.tracker.Stop()
		srv.outbox.Close()
	})
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestServer_HealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "missing Redis must not fail readiness")
}

func TestServer_SignupAndLogin(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "alice", Email: "alice@example.com", Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created authResponse
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "alice", created.User.Username)

	resp = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", loginRequest{
		Username: "alice", Password: "hunter22hunter22",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", loginRequest{
		Username: "alice", Password: "wrong-password!!",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "bob", Email: "bob@example.com", Password: "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StreamLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "caster", Email: "caster@example.com", Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var auth authResponse
	decodeBody(t, resp, &auth)

	resp = doJSON(t, srv, http.MethodPost, "/api/streams/", auth.Token, createStreamRequest{
		Title: "first stream", Category: "Gaming",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stream models.Stream
	decodeBody(t, resp, &stream)
	require.NotEmpty(t, stream.ID)

	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/streams/%s/go-live", stream.ID), auth.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/api/streams/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Streams []models.Stream `json:"streams"`
		Total   int64           `json:"total"`
	}
	decodeBody(t, resp, &listing)
	assert.Equal(t, int64(1), listing.Total)

	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/streams/%s/end", stream.ID), auth.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/api/streams/", "", nil)
	decodeBody(t, resp, &listing)
	assert.Zero(t, listing.Total, "ended stream leaves the live listing")
}

func TestServer_StreamOwnershipEnforced(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "owner", Email: "owner@example.com", Password: "hunter22hunter22",
	})
	var owner authResponse
	decodeBody(t, resp, &owner)

	resp = doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "mallory", Email: "mallory@example.com", Password: "hunter22hunter22",
	})
	var mallory authResponse
	decodeBody(t, resp, &mallory)

	resp = doJSON(t, srv, http.MethodPost, "/api/streams/", owner.Token, createStreamRequest{Title: "mine"})
	var stream models.Stream
	decodeBody(t, resp, &stream)

	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/streams/%s/go-live", stream.ID), mallory.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_AdminEndpointsRequireAdmin(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "pleb", Email: "pleb@example.com", Password: "hunter22hunter22",
	})
	var pleb authResponse
	decodeBody(t, resp, &pleb)

	resp = doJSON(t, srv, http.MethodGet, "/api/admin/ratelimit/stats", pleb.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, srv.db.Model(&models.User{}).
		Where("username = ?", "pleb").Update("role", "admin").Error)

	resp = doJSON(t, srv, http.MethodGet, "/api/admin/ratelimit/stats", pleb.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/api/admin/ratelimit/reset", pleb.Token, resetLimitsRequest{Identity: "42"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/api/admin/ratelimit/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_AuthAttemptsRateLimited(t *testing.T) {
	srv := newTestServer(t)

	// Five credential attempts per address per window; the sixth is turned
	// away before the handler runs.
	for i := 0; i < 5; i++ {
		resp := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", loginRequest{
			Username: "ghost", Password: "wrong-password!!",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", loginRequest{
		Username: "ghost", Password: "wrong-password!!",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Signup shares the same budget.
	resp = doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "ghost", Email: "ghost@example.com", Password: "hunter22hunter22",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_AdminPenaltyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "warden", Email: "warden@example.com", Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var warden authResponse
	decodeBody(t, resp, &warden)

	resp = doJSON(t, srv, http.MethodPost, "/api/admin/ratelimit/penalty", warden.Token, applyPenaltyRequest{
		Identity: "42", EventType: ratelimit.EventChatMessage, DurationSeconds: 60,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, srv.db.Model(&models.User{}).
		Where("username = ?", "warden").Update("role", "admin").Error)

	resp = doJSON(t, srv, http.MethodPost, "/api/admin/ratelimit/penalty", warden.Token, applyPenaltyRequest{
		Identity: "42", EventType: ratelimit.EventChatMessage, DurationSeconds: 60,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	res := srv.limiter.CheckLimit(ratelimit.EventChatMessage, "42", models.RoleViewer, "")
	assert.False(t, res.Allowed)
	assert.Equal(t, ratelimit.ReasonBlocked, res.Reason)

	resp = doJSON(t, srv, http.MethodPost, "/api/admin/ratelimit/penalty", warden.Token, applyPenaltyRequest{
		Identity: "42",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "eventType is required")

	resp = doJSON(t, srv, http.MethodPost, "/api/admin/ratelimit/reset", warden.Token, resetLimitsRequest{Identity: "42"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, srv.limiter.CheckLimit(ratelimit.EventChatMessage, "42", models.RoleViewer, "").Allowed,
		"reset lifts a manually applied block")
}

func TestServer_GetStreamUsesLiveViewerCount(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Username: "host", Email: "host@example.com", Password: "hunter22hunter22",
	})
	var host authResponse
	decodeBody(t, resp, &host)

	resp = doJSON(t, srv, http.MethodPost, "/api/streams/", host.Token, createStreamRequest{Title: "counted"})
	var stream models.Stream
	decodeBody(t, resp, &stream)

	joinTestViewer(t, srv, stream.ID, 0, "lurker")

	resp = doJSON(t, srv, http.MethodGet, "/api/streams/"+stream.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Stream
	decodeBody(t, resp, &got)
	assert.Equal(t, 1, got.ViewerCount)
}

func TestServer_TokenRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	_ = srv // InitMiddleware ran in NewServerWithDeps

	token, err := middleware.GenerateToken(99, tokenTTL)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}
