package serv

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilsor/dilsor/core"
)

const testConfYAML = `
app_name: dilsor-test
store_path: ":memory:"
host_port: "127.0.0.1:0"
log_level: error
http_compress: false
lm:
  model_sql: sqlcoder
retrieval:
  top_k: 10
rate_limiter:
  rate: 5
  bucket: 10
`

func TestNewConfig(t *testing.T) {
	conf, err := NewConfig(testConfYAML, "yaml")
	require.NoError(t, err)

	assert.Equal(t, "dilsor-test", conf.AppName)
	assert.Equal(t, ":memory:", conf.StorePath)
	assert.Equal(t, "127.0.0.1:0", conf.HostPort)
	assert.Equal(t, "sqlcoder", conf.LM.ModelSQL)
	assert.Equal(t, 10, conf.Retrieval.TopK)
	assert.Equal(t, float64(5), conf.RateLimiter.Rate)
	assert.True(t, conf.rateLimiterEnable())
}

func TestNewConfigDefaults(t *testing.T) {
	conf, err := NewConfig("app_name: x", "yaml")
	require.NoError(t, err)
	assert.Equal(t, defaultHP, conf.HostPort)
	assert.Equal(t, "info", conf.LogLevel)
	assert.True(t, conf.HTTPGZip)
	assert.False(t, conf.rateLimiterEnable())
}

// newTestService builds the service with an engine that has no databases
// registered, backed by an in-memory metadata store.
func newTestService(t *testing.T) (*HttpService, http.Handler) {
	t.Helper()

	conf, err := NewConfig(`{store_path: ":memory:", log_level: error, http_compress: false}`, "yaml")
	require.NoError(t, err)

	s1, err := NewDilsorService(conf)
	require.NoError(t, err)
	t.Cleanup(func() { s1.service().dilsor.Close() }) //nolint:errcheck

	h, err := routesHandler(s1, chi.NewRouter())
	require.NoError(t, err)
	return s1, h
}

func TestHealthRoute(t *testing.T) {
	_, h := newTestService(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, serverName, w.Header().Get("Server"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "starting", body["status"])
	assert.Equal(t, float64(0), body["databases"])
}

func TestDatabasesRoute(t *testing.T) {
	_, h := newTestService(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/databases", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["count"])
}

func TestQueryRouteValidation(t *testing.T) {
	_, h := newTestService(t)

	// broken body
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/query",
		bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// missing fields
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/query",
		bytes.NewBufferString(`{"question":"kaç kullanıcı var"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// unknown database maps to 404
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/query",
		bytes.NewBufferString(`{"database":"shop","question":"kaç kullanıcı var"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(core.ErrNotFound), body["kind"])
}

func TestStatusRouteNotFound(t *testing.T) {
	_, h := newTestService(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/query/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportRouteBadFormat(t *testing.T) {
	_, h := newTestService(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/query/x/export?format=xml", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterDatabaseValidation(t *testing.T) {
	_, h := newTestService(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/databases",
		bytes.NewBufferString(`{"host":"db1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[core.ErrorKind]int{
		core.ErrInvalidInput:      http.StatusBadRequest,
		core.ErrUnsafeSQL:         http.StatusBadRequest,
		core.ErrAmbiguousQuery:    http.StatusUnprocessableEntity,
		core.ErrGenerationFailed:  http.StatusUnprocessableEntity,
		core.ErrNotFound:          http.StatusNotFound,
		core.ErrSchemaUnavailable: http.StatusServiceUnavailable,
		core.ErrConnectionFailed:  http.StatusBadGateway,
		core.ErrCancelled:         http.StatusConflict,
		core.ErrInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, errorStatus(kind), string(kind))
	}
}

func TestIPLimiter(t *testing.T) {
	l := &ipLimiter{clients: map[string]*client{}, rate: 1, burst: 2}

	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	// a different client has its own bucket
	assert.True(t, l.allow("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5611"
	assert.Equal(t, "192.0.2.7", clientIP(r, ""))

	r.Header.Set("X-Forwarded-For", "203.0.113.4")
	assert.Equal(t, "203.0.113.4", clientIP(r, "X-Forwarded-For"))
	assert.Equal(t, "192.0.2.7", clientIP(r, "X-Real-IP"))
}

func TestIntQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x", nil)
	assert.Equal(t, 25, intQuery(r, "limit", 50))
	assert.Equal(t, 50, intQuery(r, "bad", 50))
	assert.Equal(t, 50, intQuery(r, "missing", 50))
}

func TestIPLimiterCleanupAges(t *testing.T) {
	l := &ipLimiter{clients: map[string]*client{}, rate: 1, burst: 1}
	l.allow("10.0.0.9")
	l.clients["10.0.0.9"].lastSeen = time.Now().Add(-2 * cleanupAge)

	l.sweep()
	assert.Empty(t, l.clients)
}
