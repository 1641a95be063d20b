package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/logging"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/fyrsmithlabs/insightd/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	server  *Server
	store   *store.Store
	manager *insight.Manager
	logs    *logging.TestLogger
}

func setupTestServer(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "api.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m, err := insight.NewManager(s, s.Reflections(), insight.DefaultRules(), insight.WithTraceStore(s))
	require.NoError(t, err)
	svc := reflection.NewService(s.Reflections(), nil)
	svc.RegisterHook(m.ReflectionHook())

	logs := logging.NewTestLogger()
	server, err := NewServer(svc, m, s, logs.Underlying(), cfg)
	require.NoError(t, err)
	return &testEnv{server: server, store: s, manager: m, logs: logs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func reflectionRequest(author string) CreateReflectionRequest {
	return CreateReflectionRequest{
		Pain:         "deploy pipeline flaky integration test blocks releases",
		Impact:       "release train slips by a day",
		SuspectedWhy: "shared fixture leaks state between tests",
		ProposedFix:  "isolate fixtures per test package",
		Evidence:     []string{"ci://run/812"},
		Confidence:   6,
		RoleType:     reflection.RoleImplementer,
		Author:       author,
		TeamID:       "platform",
		Tags:         []string{"stage:ci"},
	}
}

func TestNewServer(t *testing.T) {
	t.Run("requires services", func(t *testing.T) {
		_, err := NewServer(nil, nil, nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(fakeReflections{}, &fakeInsights{}, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(fakeReflections{}, &fakeInsights{}, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
		assert.Nil(t, server.limiter)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t, &Config{Version: "1.2.3"})

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "ok", resp.Checks["storage"])

	require.NoError(t, env.store.Close())
	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rec).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("alice")).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "insightd_ingest_total")
}

func TestReflectionIntakeAndQuery(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("alice"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[reflection.Reflection](t, rec)
	assert.NotEmpty(t, first.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("bob"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/reflections/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[reflection.Reflection](t, rec).Author)

	rec = env.do(t, http.MethodGet, "/api/v1/insights?status=promoted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[insight.Page](t, rec)
	require.Equal(t, 1, page.Total)
	ins := page.Insights[0]
	assert.Equal(t, "ci::deployment::platform", ins.ClusterKey)
	assert.Equal(t, 2, ins.IndependentCount)
	assert.Equal(t, insight.DefaultPageSize, page.Limit)

	rec = env.do(t, http.MethodGet, "/api/v1/insights/"+ins.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ins.ID, decode[insight.Insight](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/v1/insights/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[insight.Stats](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[insight.StatusPromoted])

	rec = env.do(t, http.MethodGet, "/api/v1/insights/"+ins.ID+"/traces?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	traces := decode[TracesResponse](t, rec)
	require.Len(t, traces.Traces, 2)
	assert.Equal(t, insight.TransitionMerge, traces.Traces[0].Transition)

	env.logs.AssertLogged(t, zap.InfoLevel, "http request")
}

func TestReflectionIntake_Invalid(t *testing.T) {
	env := setupTestServer(t, nil)

	bad := reflectionRequest("")
	rec := env.do(t, http.MethodPost, "/api/v1/reflections", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "author is required")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reflections", bytes.NewReader([]byte("{not json")))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	raw := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestIngestReplay(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[reflection.Reflection](t, rec).ID

	rec = env.do(t, http.MethodPost, "/api/v1/reflections/"+id+"/ingest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[insight.IngestResult](t, rec)
	assert.Equal(t, insight.OutcomeDuplicate, res.Outcome)

	rec = env.do(t, http.MethodPost, "/api/v1/reflections/missing/ingest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	env := setupTestServer(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)
	page, err := env.manager.List(context.Background(), insight.ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Insights, 1)
	id := page.Insights[0].ID
	require.Equal(t, insight.StatusCandidate, page.Insights[0].Status)

	tests := []struct {
		name string
		body UpdateStatusRequest
		code int
	}{
		{"unknown status", UpdateStatusRequest{Status: "archived"}, http.StatusBadRequest},
		{"invalid transition", UpdateStatusRequest{Status: "cooldown"}, http.StatusConflict},
		{"promote", UpdateStatusRequest{Status: "promoted"}, http.StatusOK},
		{"link task", UpdateStatusRequest{Status: "promoted", TaskID: "T-1"}, http.StatusOK},
		{"close", UpdateStatusRequest{Status: "closed"}, http.StatusOK},
		{"closed is terminal", UpdateStatusRequest{Status: "promoted"}, http.StatusConflict},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPatch, "/api/v1/insights/"+id+"/status", tt.body)
		assert.Equal(t, tt.code, rec.Code, "%s: %s", tt.name, rec.Body.String())
	}

	got, err := env.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, insight.StatusClosed, got.Status)
	assert.Equal(t, "T-1", got.TaskID)

	rec = env.do(t, http.MethodPatch, "/api/v1/insights/nope/status", UpdateStatusRequest{Status: "closed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/insights/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, insight.SweepResult{}, decode[insight.SweepResult](t, rec))
}

func TestListInsights_BadQuery(t *testing.T) {
	env := setupTestServer(t, nil)
	for _, q := range []string{"status=bogus", "priority=P9", "limit=-1", "offset=x", "attention=maybe"} {
		rec := env.do(t, http.MethodGet, "/api/v1/insights?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	rec := env.do(t, http.MethodGet, "/api/v1/insights/unknown/traces", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReflectionIntake_RateLimited(t *testing.T) {
	env := setupTestServer(t, &Config{Host: "localhost", Port: 9191, IntakeRate: 0.001, IntakeBurst: 1})

	rec := env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("alice"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/reflections", reflectionRequest("bob"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reads are not throttled.
	rec = env.do(t, http.MethodGet, "/api/v1/insights", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeReflections struct{}

func (fakeReflections) Create(context.Context, *reflection.Reflection) (*reflection.Reflection, error) {
	return nil, errors.New("disk on fire")
}

func (fakeReflections) Get(context.Context, string) (*reflection.Reflection, error) {
	return nil, reflection.ErrNotFound
}

type fakeInsights struct {
	err error
}

func (f *fakeInsights) Ingest(context.Context, *reflection.Reflection) (*insight.IngestResult, error) {
	return nil, f.err
}

func (f *fakeInsights) Get(context.Context, string) (*insight.Insight, error) {
	return nil, f.err
}

func (f *fakeInsights) List(context.Context, insight.ListFilter) (*insight.Page, error) {
	return nil, f.err
}

func (f *fakeInsights) Stats(context.Context) (*insight.Stats, error) {
	return nil, f.err
}

func (f *fakeInsights) Traces(context.Context, string, int) ([]insight.TraceRecord, error) {
	return nil, f.err
}

func (f *fakeInsights) UpdateStatus(context.Context, string, insight.Status, string) (*insight.Insight, error) {
	return nil, f.err
}

func (f *fakeInsights) Sweep(context.Context) (*insight.SweepResult, error) {
	return &insight.SweepResult{Cooled: 1}, f.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{insight.ErrContention, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		logs := logging.NewTestLogger()
		server, err := NewServer(fakeReflections{}, &fakeInsights{err: tt.err}, nil, logs.Underlying(), nil)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/insights/stats", nil))
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}

	logs := logging.NewTestLogger()
	server, err := NewServer(fakeReflections{}, &fakeInsights{err: errors.New("row 3 failed")}, nil, logs.Underlying(), nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/insights/sweep", nil))
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	logs.AssertLogged(t, zap.WarnLevel, "manual sweep incomplete")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/insights", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "row 3 failed")
	logs.AssertLogged(t, zap.ErrorLevel, "request failed")
}
