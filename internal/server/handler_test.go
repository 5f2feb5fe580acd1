package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incredibeau/specific-affinity/internal/registry"
	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/pkg/config"
	"github.com/incredibeau/specific-affinity/pkg/health"
)

// newTestRouter wires the handler without Postgres, Redis, or Kafka; only
// the endpoints that never touch the store are exercised here.
func newTestRouter(t *testing.T) (http.Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New(resolve.Config{SimilarityThreshold: 0.5, MinTokenLength: 2}, t.TempDir())
	h := New(reg, nil, nil, nil, nil,
		config.MatcherConfig{SimilarityThreshold: 0.5, MinTokenLength: 2, MatchCandidateLimit: 5},
		config.CategorizeConfig{AmountThresholdPct: 5.0, DateThresholdDays: 3})
	router := Routes(h, health.NewChecker(), nil, nil, 10*time.Second)
	return router, reg
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// buildDataset creates a dataset through the API and builds it directly on
// the engine, bypassing the record store.
func buildDataset(t *testing.T, router http.Handler, reg *registry.Registry, name string) {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	engine, err := reg.Get(name)
	require.NoError(t, err)
	_, err = engine.Build(context.Background(), []resolve.Record{
		{ID: "t1", Text: "NETFLIX.COM 866-579-7172"},
		{ID: "t2", Text: "NETFLIX.COM"},
		{ID: "t3", Text: "Netflix.com 866-579-7172 CA"},
		{ID: "t4", Text: "NETFLIX"},
		{ID: "t5", Text: "SHELL OIL 574477900"},
		{ID: "t6", Text: "SHELL OIL 574477905"},
		{ID: "t7", Text: "UNIQUE VENDOR XYZ"},
	})
	require.NoError(t, err)
}

func TestCreateDataset(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"txns"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "txns", body["dataset"])
	assert.Equal(t, "empty", body["state"])

	rec = doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"txns"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"../../etc/foo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDatasetWithMatcherOverride(t *testing.T) {
	router, reg := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/datasets",
		`{"name":"strict","matcher":{"similarity_threshold":0.9,"min_token_length":3}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	engine, err := reg.Get("strict")
	require.NoError(t, err)
	assert.Equal(t, 0.9, engine.Config().SimilarityThreshold)
	assert.Equal(t, 3, engine.Config().MinTokenLength)
}

func TestListDatasets(t *testing.T) {
	router, _ := newTestRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"beta"}`)
	doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"alpha"}`)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/datasets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])

	datasets := body["datasets"].([]any)
	require.Len(t, datasets, 2)
	first := datasets[0].(map[string]any)
	assert.Equal(t, "alpha", first["dataset"])
	assert.Equal(t, "empty", first["state"])
}

func TestDeleteDataset(t *testing.T) {
	router, _ := newTestRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"txns"}`)

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/datasets/txns", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/datasets/txns/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/datasets/txns", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatch(t *testing.T) {
	router, reg := newTestRouter(t)
	buildDataset(t, router, reg, "txns")

	rec := doRequest(t, router, http.MethodPost, "/api/v1/datasets/txns/match",
		`{"text":"NETFLIX 866-579-7172"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["matched"])
	assert.Equal(t, "t1", body["cluster_id"])

	rec = doRequest(t, router, http.MethodPost, "/api/v1/datasets/txns/match",
		`{"text":"COMPLETELY UNRELATED 999"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["matched"])
}

func TestMatchValidation(t *testing.T) {
	router, reg := newTestRouter(t)
	buildDataset(t, router, reg, "txns")

	rec := doRequest(t, router, http.MethodPost, "/api/v1/datasets/txns/match", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/datasets/nope/match", `{"text":"X"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatchRequiresBuild(t *testing.T) {
	router, _ := newTestRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/datasets", `{"name":"txns"}`)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/datasets/txns/match", `{"text":"NETFLIX"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClusters(t *testing.T) {
	router, reg := newTestRouter(t)
	buildDataset(t, router, reg, "txns")

	rec := doRequest(t, router, http.MethodGet, "/api/v1/datasets/txns/clusters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])

	clusters := body["clusters"].(map[string]any)
	require.Contains(t, clusters, "t1")
	members := clusters["t1"].([]any)
	assert.Equal(t, []any{"t1", "t3"}, members)
}

func TestSummary(t *testing.T) {
	router, reg := newTestRouter(t)
	buildDataset(t, router, reg, "txns")

	rec := doRequest(t, router, http.MethodGet, "/api/v1/datasets/txns/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "built", body["state"])

	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(7), summary["total_records"])
	assert.Equal(t, float64(2), summary["cluster_count"])
}

func TestCacheStatsDisabled(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decodeBody(t, rec)["status"])
}

func TestHealthEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/api/v1/datasets", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
