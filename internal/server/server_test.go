package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrank/internal/app"
	"taskrank/internal/domain"
	"taskrank/internal/engine"
	"taskrank/internal/urgency"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	App *app.App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	handler, err := New(Config{App: a, BasePath: "/v0"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testServer{Server: srv, App: a}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestTaskLifecycle(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"type":         "work",
		"name":         "Quarterly report",
		"importance":   4,
		"effort_hours": 3,
		"due_date":     "2024-03-05",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	parent := decode[domain.Task](t, data)
	assert.Equal(t, domain.StatusActive, parent.Status)

	res, data = srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"type":         "work",
		"name":         "Collect numbers",
		"importance":   3,
		"effort_hours": 1.5,
		"parent_id":    parent.ID,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	child := decode[domain.Task](t, data)

	res, data = srv.do(t, http.MethodGet, "/v0/tasks", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	views := decode[[]domain.TaskView](t, data)
	require.Len(t, views, 2)
	assert.Equal(t, parent.ID, views[0].ID)
	assert.InDelta(t, 4.5, views[0].TotalEffortHours, 1e-9)
	require.Len(t, views[0].Subtasks, 1)
	assert.Equal(t, child.ID, views[0].Subtasks[0].ID)

	res, data = srv.do(t, http.MethodPatch, fmt.Sprintf("/v0/tasks/%d", parent.ID), map[string]any{"name": "Q1 report"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Q1 report", decode[domain.Task](t, data).Name)

	res, data = srv.do(t, http.MethodPost, fmt.Sprintf("/v0/tasks/%d/complete", parent.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StatusDone, decode[domain.Task](t, data).Status)

	res, data = srv.do(t, http.MethodGet, "/v0/history/tree", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	nodes := decode[[]domain.HistoryNode](t, data)
	require.Len(t, nodes, 1)
	assert.Equal(t, parent.ID, nodes[0].TaskID)
	require.Len(t, nodes[0].Subtasks, 1)
	assert.Equal(t, child.ID, nodes[0].Subtasks[0].TaskID)

	res, data = srv.do(t, http.MethodGet, "/v0/history/stats?start=2024-03-01&end=2024-03-01", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	st := decode[domain.EffortStats](t, data)
	assert.InDelta(t, 4.5, st.TotalEffort, 1e-9)
	assert.InDelta(t, 4.5, st.ByDate["2024-03-01"], 1e-9)

	res, _ = srv.do(t, http.MethodDelete, fmt.Sprintf("/v0/tasks/%d", parent.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = srv.do(t, http.MethodGet, fmt.Sprintf("/v0/tasks/%d", child.ID), nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.do(t, http.MethodGet, "/v0/history", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]domain.HistoryRecord](t, data), 2)
}

func TestCreateTaskValidationIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"type":         "work",
		"name":         "x",
		"importance":   9,
		"effort_hours": 1,
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.Equal(t, "importance", env.Error.Details["field"])

	res, data = srv.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"type":         "errand",
		"name":         "x",
		"importance":   3,
		"effort_hours": 1,
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestRankingEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.App.Engine.CreateTask(ctx, engineOpts("home", "tidy", 1, 1, ""))
	require.NoError(t, err)
	overdue, err := srv.App.Engine.CreateTask(ctx, engineOpts("work", "filing", 5, 2, "2024-02-01"))
	require.NoError(t, err)

	res, data := srv.do(t, http.MethodGet, "/v0/ranking", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ranking := decode[RankingResponse](t, data)
	require.Len(t, ranking.Items, 2)
	assert.Equal(t, overdue.ID, ranking.Items[0].ID)
	assert.Equal(t, domain.LevelHigh, ranking.Items[0].Urgency.Level)
	assert.Len(t, ranking.ByType["work"], 1)
	assert.Len(t, ranking.ByType["home"], 1)
	assert.Empty(t, ranking.ByType["skill"])

	res, data = srv.do(t, http.MethodGet, "/v0/ranking?type=home", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ranking = decode[RankingResponse](t, data)
	require.Len(t, ranking.Items, 1)
	assert.Equal(t, domain.TypeHome, ranking.Items[0].Type)
	assert.Empty(t, ranking.ByType["work"])
}

func TestUrgencyEndpoints(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPut, "/v0/urgency/formula", map[string]any{"formula": "effort + unknown"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_setting", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.do(t, http.MethodPut, "/v0/urgency/formula", map[string]any{"formula": "effort * importance", "description": "flat"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 2, decode[SettingResponse](t, data).Version)

	res, data = srv.do(t, http.MethodGet, "/v0/urgency/formula", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	fs := decode[domain.FormulaSetting](t, data)
	assert.Equal(t, "effort * importance", fs.Formula)
	assert.Equal(t, urgency.Variables, fs.Variables)

	res, data = srv.do(t, http.MethodPost, "/v0/urgency/formula/test", map[string]any{
		"formula": "Math.max(effort, importance) * daysLeft", "effort": 2, "importance": 3, "daysLeft": 4,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tested := decode[FormulaTestResponse](t, data)
	assert.InDelta(t, 12.0, tested.Score, 1e-9)
	assert.Equal(t, domain.LevelHigh, tested.Level)

	res, data = srv.do(t, http.MethodPut, "/v0/urgency/thresholds", map[string]any{"high": 1, "medium": 5})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPut, "/v0/urgency/thresholds", map[string]any{"high": 20, "medium": 5})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v0/urgency/level?score=12", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.LevelMedium, decode[LevelResponse](t, data).Level)

	res, _ = srv.do(t, http.MethodGet, "/v0/urgency/level?score=lots", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestScoreEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	task, err := srv.App.Engine.CreateTask(ctx, engineOpts("skill", "piano", 2, 5, ""))
	require.NoError(t, err)

	res, data := srv.do(t, http.MethodPost, "/v0/urgency/score", map[string]any{"task_id": task.ID})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	result := decode[domain.UrgencyResult](t, data)
	assert.Equal(t, task.ID, result.TaskID)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, domain.LevelLow, result.Level)

	require.NoError(t, srv.App.Engine.CompleteTask(ctx, task.ID))
	res, _ = srv.do(t, http.MethodPost, "/v0/urgency/score", map[string]any{"task_id": task.ID})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = srv.do(t, http.MethodPost, "/v0/urgency/score", map[string]any{"task_id": 999})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSettingsEndpoints(t *testing.T) {
	srv := newTestServer(t)

	res, _ := srv.do(t, http.MethodGet, "/v0/settings/theme", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data := srv.do(t, http.MethodPut, "/v0/settings/theme", map[string]any{"value": map[string]any{"dark": true}})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	st := decode[SettingResponse](t, data)
	assert.Equal(t, 1, st.Version)

	res, data = srv.do(t, http.MethodGet, "/v0/settings/theme", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]any{"dark": true}, decode[SettingResponse](t, data).Value)

	res, data = srv.do(t, http.MethodGet, "/v0/settings", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	// the two seeded urgency settings plus theme
	assert.Len(t, decode[[]SettingResponse](t, data), 3)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := srv.App.Engine.CreateTask(ctx, engineOpts("work", fmt.Sprintf("t%d", i), 2, 1, ""))
		require.NoError(t, err)
	}

	res, data := srv.do(t, http.MethodGet, "/v0/events?entity_kind=task&limit=2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v0/events?entity_kind=task&limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedEvents](t, data)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)

	res, _ = srv.do(t, http.MethodGet, "/v0/events?cursor=abc", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/tasks/{id}/complete")
	assert.Contains(t, paths, "/v0/ranking")
}

func engineOpts(typ, name string, importance int, effort float64, due string) engine.TaskCreateOptions {
	return engine.TaskCreateOptions{Type: typ, Name: name, Importance: importance, EffortHours: effort, DueDate: due}
}
