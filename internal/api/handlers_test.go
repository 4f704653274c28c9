package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nadmax/pipetune/internal/advisor"
	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/dashboard"
	"github.com/nadmax/pipetune/internal/lifecycle"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/repository"
	"github.com/nadmax/pipetune/internal/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipe = "pipe-1"

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestAPI(t *testing.T) (*API, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	mgr := lifecycle.NewManager(store, lifecycle.WithClock(func() time.Time { return t0 }))
	svc := dashboard.NewService(store, mgr, advisor.NewBridge(advisor.RuleAdvisor{}, advisor.DefaultConfig(), nil), dashboard.Options{
		Aggregate: aggregate.Options{Limit: aggregate.DefaultRunLimit, Days: aggregate.DefaultDays, Now: func() time.Time { return t0 }},
	})
	t.Cleanup(svc.Stop)

	for i := 0; i < 10; i++ {
		status := run.StatusSuccess
		msg := ""
		if i >= 6 {
			status = run.StatusFailed
			msg = "dependency download timeout from registry"
		}
		store.AddRuns(run.PipelineRun{
			ID:               fmt.Sprintf("run-%d", i),
			PipelineConfigID: pipe,
			Status:           status,
			StartedAt:        t0.Add(time.Duration(i-10) * time.Hour),
			DurationSeconds:  run.Seconds(600),
			ErrorMessage:     msg,
		})
	}
	return NewAPI(svc, nil), store
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestGetDashboard(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/api/pipelines/"+pipe+"/dashboard")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	v := decode[dashboard.View](t, w)
	assert.Equal(t, pipe, v.PipelineConfigID)
	assert.Equal(t, 10, v.Stats.Total)
	assert.Equal(t, 60.0, v.Stats.SuccessRate)
	assert.NotEmpty(t, v.Bottlenecks)
	assert.False(t, v.Stale)
}

func TestGetDashboard_UndefinedIsNull(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/api/pipelines/empty/dashboard")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["stats"], &stats))
	assert.Equal(t, "null", string(stats["avg_duration_seconds"]))
	assert.Equal(t, "0", string(stats["success_rate"]))
}

func TestGetDashboard_StaleAndUnavailable(t *testing.T) {
	api, store := setupTestAPI(t)
	down := fmt.Errorf("list runs: %w", repository.ErrStoreUnavailable)

	store.SetErrors(down, nil)
	w := do(t, api, http.MethodGet, "/api/pipelines/"+pipe+"/dashboard")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	store.SetErrors(nil, nil)
	w = do(t, api, http.MethodGet, "/api/pipelines/"+pipe+"/dashboard")
	require.Equal(t, http.StatusOK, w.Code)

	store.SetErrors(down, nil)
	w = do(t, api, http.MethodGet, "/api/pipelines/"+pipe+"/dashboard")
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[dashboard.View](t, w)
	assert.True(t, v.Stale)
	assert.Equal(t, 10, v.Stats.Total)
}

func TestAnalyzeApplyReject(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodPost, "/api/pipelines/"+pipe+"/analyze")
	require.Equal(t, http.StatusOK, w.Code)
	a := decode[dashboard.Analysis](t, w)
	require.NotEmpty(t, a.Proposed)
	assert.False(t, a.AdvisorDegraded)

	id := a.Proposed[0].ID
	w = do(t, api, http.MethodPost, "/api/optimizations/"+id+"/apply")
	require.Equal(t, http.StatusOK, w.Code)
	c := decode[optimization.Candidate](t, w)
	assert.Equal(t, optimization.StatusApplied, c.Status)
	require.NotNil(t, c.AppliedAt)
	assert.True(t, c.AppliedAt.Equal(t0))

	// idempotent
	w = do(t, api, http.MethodPost, "/api/optimizations/"+id+"/apply")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, api, http.MethodPost, "/api/optimizations/"+id+"/reject")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, api, http.MethodPost, "/api/optimizations/missing/apply")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode[map[string]string](t, w)
	assert.Contains(t, body["error"], "not found")
}

func TestGetImpact(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/api/pipelines/"+pipe+"/impact")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "null", string(raw["cutover"]))
	assert.Equal(t, "null", string(raw["time_saved_minutes"]))
	assert.Equal(t, "false", string(raw["stale"]))
}

func TestRefresh(t *testing.T) {
	api, store := setupTestAPI(t)

	store.AddRuns(run.PipelineRun{ID: "late", PipelineConfigID: pipe, Status: run.StatusSuccess, StartedAt: t0})
	w := do(t, api, http.MethodPost, "/api/pipelines/"+pipe+"/refresh")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 11, decode[dashboard.View](t, w).Stats.Total)
}

func TestRoutingErrors(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodDelete, "/api/pipelines/"+pipe+"/dashboard")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(t, api, http.MethodGet, "/api/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	do(t, api, http.MethodGet, "/api/pipelines/"+pipe+"/dashboard")
	w = do(t, api, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pipetune_http_requests_total")
}

type stubService struct {
	err error
}

func (s stubService) GetDashboard(context.Context, string) (dashboard.View, error) {
	return dashboard.View{}, s.err
}

func (s stubService) Refresh(context.Context, string) (dashboard.View, error) {
	return dashboard.View{}, s.err
}

func (s stubService) Analyze(context.Context, string) (dashboard.Analysis, error) {
	return dashboard.Analysis{}, s.err
}

func (s stubService) GetImpactReport(context.Context, string) (dashboard.ImpactView, error) {
	return dashboard.ImpactView{}, s.err
}

func (s stubService) Apply(context.Context, string) (*optimization.Candidate, error) {
	return nil, s.err
}

func (s stubService) Reject(context.Context, string) (*optimization.Candidate, error) {
	return nil, s.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get x: %w", optimization.ErrNotFound), http.StatusNotFound},
		{"invalid transition", fmt.Errorf("reject x: %w", optimization.ErrInvalidTransition), http.StatusConflict},
		{"duplicate", optimization.ErrDuplicateProposal, http.StatusConflict},
		{"id conflict", optimization.ErrIDConflict, http.StatusConflict},
		{"unavailable", fmt.Errorf("no snapshot available: %w", repository.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/pipelines/p/dashboard"},
		{http.MethodPost, "/api/pipelines/p/refresh"},
		{http.MethodPost, "/api/pipelines/p/analyze"},
		{http.MethodGet, "/api/pipelines/p/impact"},
		{http.MethodPost, "/api/optimizations/o/apply"},
		{http.MethodPost, "/api/optimizations/o/reject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewAPI(stubService{err: tt.err}, nil)
			for _, rt := range routes {
				w := do(t, api, rt.method, rt.path)
				assert.Equal(t, tt.want, w.Code, rt.path)
			}
		})
	}
}
