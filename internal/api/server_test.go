package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlsm/writepath/internal/coordinator"
	"github.com/openlsm/writepath/internal/metrics"
	"github.com/openlsm/writepath/internal/ratelimit"
	"github.com/openlsm/writepath/internal/tree"
	"github.com/openlsm/writepath/internal/writebuffer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mock := tree.NewMock()
	limiter := ratelimit.New(ratelimit.Config{Burst: 1 << 30, Rate: 1 << 30})
	coord := coordinator.New(coordinator.Config{}, mock, limiter, nil, m, nil)
	t.Cleanup(func() { coord.Close() })

	h, err := writebuffer.Open("default", writebuffer.Config{}, coord, mock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	s := NewServer(coord, reg, nil, nil)
	s.AttachStore("default", h)
	return s
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/kv/default/greeting",
		[]byte(`{"value":"hello"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/kv/default/greeting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp["value"])

	rec = do(t, s, http.MethodDelete, "/kv/default/greeting", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/kv/default/greeting", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAtHistoricalSeqno(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/kv/default/k", []byte(`{"value":"old"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var put map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &put))

	rec = do(t, s, http.MethodPut, "/kv/default/k", []byte(`{"value":"new"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet,
		"/kv/default/k?seqno="+uintString(put["seqno"]), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "old", resp["value"])
}

func TestPrefixDeleteEndpoint(t *testing.T) {
	s := newTestServer(t)

	for _, k := range []string{"user.1", "user.2"} {
		rec := do(t, s, http.MethodPut, "/kv/default/"+k, []byte(`{"value":"x"}`))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, s, http.MethodDelete, "/kv/default?prefix=user.", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/kv/default/user.1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncAndStats(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/kv/default/k", []byte(`{"value":"v"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/kv/default/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats coordinator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveStores)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/kv/default/k", []byte(`{"value":"v"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "writebuffer_mutations_total")
}

func TestUnknownStore(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/kv/nope/k", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadRequestBody(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/kv/default/k", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func uintString(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
