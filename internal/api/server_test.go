package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/huazz233/kiro-proxy/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, adminKey string) *Server {
	t.Helper()
	cfg := &config.Config{APIKey: "test-key", AdminAPIKey: adminKey}
	cfg.Defaults()
	p := pool.New(pool.ModePriority, nil, nil)
	return NewServer(cfg, p, nil, nil)
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestAuth_MissingKeyReturnsAnthropicEnvelope(t *testing.T) {
	s := newTestServer(t, "")
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "error", body.Get("type").String())
	assert.Equal(t, "authentication_error", body.Get("error.type").String())
}

func TestAuth_AcceptsXAPIKeyHeader(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "test-key")
	rec := serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_AcceptsBearerHeader(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_WrongKeyRejected(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := serve(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestModels_ListsSupportedIDs(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "test-key")
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := gjson.Parse(rec.Body.String()).Get("data")
	require.True(t, data.IsArray())
	assert.Equal(t, int64(len(supportedModels)), int64(len(data.Array())))
}

func TestCountTokens_ReturnsEstimate(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("x-api-key", "test-key")
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Parse(rec.Body.String()).Get("input_tokens").Exists())
}

func TestBodyLimit_OversizedRequestIs413(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}"))
	req.Header.Set("x-api-key", "test-key")
	req.ContentLength = defaultBodyLimitBytes + 1
	rec := serve(s, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBodyLimit_ChunkedOversizedStreamIs413(t *testing.T) {
	cfg := &config.Config{APIKey: "test-key"}
	cfg.Defaults()
	p := pool.New(pool.ModePriority, nil, nil)
	s := NewServer(cfg, p, nil, nil, WithBodyLimitBytes(1024))

	// Wrap the reader so the request carries no declared Content-Length;
	// the middleware's up-front length check never fires and only the
	// MaxBytesReader cap stands between the handler and the oversized
	// stream. The overrun must still surface as 413, not 400.
	body := struct{ io.Reader }{strings.NewReader(strings.Repeat("x", 4096))}
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", body)
	req.Header.Set("x-api-key", "test-key")
	rec := serve(s, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAdminRoutes_AbsentWithoutAdminKey(t *testing.T) {
	s := newTestServer(t, "")
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin routes must not exist at all when no admin key is configured")
}

func TestAdminRoutes_GatedOnAdminKey(t *testing.T) {
	s := newTestServer(t, "admin-secret")

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	req.Header.Set("x-admin-key", "admin-secret")
	rec = serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_LoadBalancingModeRoundTrip(t *testing.T) {
	s := newTestServer(t, "admin-secret")

	req := httptest.NewRequest(http.MethodPut, "/api/admin/config/load-balancing", strings.NewReader(`{"mode":"balanced"}`))
	req.Header.Set("x-admin-key", "admin-secret")
	rec := serve(s, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/config/load-balancing", nil)
	req.Header.Set("x-admin-key", "admin-secret")
	rec = serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "balanced", gjson.Parse(rec.Body.String()).Get("mode").String())
}

func TestAdmin_RejectsUnknownLoadBalancingMode(t *testing.T) {
	s := newTestServer(t, "admin-secret")
	req := httptest.NewRequest(http.MethodPut, "/api/admin/config/load-balancing", strings.NewReader(`{"mode":"random"}`))
	req.Header.Set("x-admin-key", "admin-secret")
	rec := serve(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_AddListDeleteCredential(t *testing.T) {
	s := newTestServer(t, "admin-secret")

	add := httptest.NewRequest(http.MethodPost, "/api/admin/credentials",
		strings.NewReader(`{"refreshToken":"some-refresh-token-value","authMethod":"social"}`))
	add.Header.Set("x-admin-key", "admin-secret")
	rec := serve(s, add)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := gjson.Parse(rec.Body.String()).Get("id").String()
	require.NotEmpty(t, id)

	list := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
	list.Header.Set("x-admin-key", "admin-secret")
	rec = serve(s, list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Parse(rec.Body.String()).Get("credentials").Array(), 1)

	del := httptest.NewRequest(http.MethodDelete, "/api/admin/credentials/"+id, nil)
	del.Header.Set("x-admin-key", "admin-secret")
	rec = serve(s, del)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	s := newTestServer(t, "")
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
