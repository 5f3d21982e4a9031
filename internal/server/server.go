package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"taskrank/internal/app"
	"taskrank/internal/domain"
	"taskrank/internal/engine"
	"taskrank/internal/logging"
	"taskrank/internal/repo"
	"taskrank/internal/urgency"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"invalid importance: 9 is outside 1..5"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"importance\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskrank API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Log)
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation failures are plain bad requests here
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	hcfg := huma.DefaultConfig("taskrank API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, a)
	registerRanking(group, a)
	registerHistory(group, a)
	registerSettings(group, a)
	registerUrgency(group, a)
	registerEvents(group, a)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var ce *urgency.ConfigEvaluationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "invalid_setting", err.Error(), map[string]any{"key": ce.Key})
	}
	var nf *engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>taskrank API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type taskPath struct {
	ID int64 `path:"id"`
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		opts := engine.TaskCreateOptions{
			Type:        input.Body.Type,
			Name:        input.Body.Name,
			Importance:  input.Body.Importance,
			EffortHours: input.Body.EffortHours,
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		t, err := a.Engine.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List active tasks; top-level tasks carry their subtasks and rolled-up effort",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TaskView `json:"body"`
	}, error) {
		views, err := a.Engine.GetActiveTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskView `json:"body"`
		}{Body: nonNilSlice(views)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Engine.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.ID,
			Type:        input.Body.Type,
			Name:        input.Body.Name,
			DueDate:     input.Body.DueDate,
			Importance:  input.Body.Importance,
			EffortHours: input.Body.EffortHours,
			ParentID:    input.Body.ParentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task and its subtasks",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		if err := a.Engine.DeleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task, cascading to its subtasks",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := a.Engine.CompleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		t, err := a.Engine.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "uncomplete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/uncomplete",
		Summary:     "Reopen task and drop its history records",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := a.Engine.UncompleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		t, err := a.Engine.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerRanking(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-ranking",
		Method:      http.MethodGet,
		Path:        "/ranking",
		Summary:     "Active top-level tasks ordered by urgency",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" enum:"all,work,home,skill" default:"all"`
	}) (*struct {
		Body RankingResponse `json:"body"`
	}, error) {
		ranked, err := a.Ranking.Refresh(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RankingResponse `json:"body"`
		}{Body: rankingResponse(ranked, input.Type)}, nil
	})
}

type historyQuery struct {
	Start string `query:"start" doc:"RFC3339 timestamp or YYYY-MM-DD"`
	End   string `query:"end" doc:"RFC3339 timestamp or YYYY-MM-DD, inclusive"`
}

func (q historyQuery) dateRange() (domain.DateRange, error) {
	r, err := domain.ParseDateRange(q.Start, q.End)
	if err != nil {
		return r, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"start": q.Start, "end": q.End})
	}
	return r, nil
}

func registerHistory(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Completion records, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body []domain.HistoryRecord `json:"body"`
	}, error) {
		r, err := input.dateRange()
		if err != nil {
			return nil, err
		}
		records, err := a.Ledger.GetHistory(ctx, r)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryRecord `json:"body"`
		}{Body: records}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-tree",
		Method:      http.MethodGet,
		Path:        "/history/tree",
		Summary:     "Completion records with subtask records nested under their parent",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body []domain.HistoryNode `json:"body"`
	}, error) {
		r, err := input.dateRange()
		if err != nil {
			return nil, err
		}
		nodes, err := a.Ledger.GetHierarchicalHistory(ctx, r)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryNode `json:"body"`
		}{Body: nonNilSlice(nodes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-stats",
		Method:      http.MethodGet,
		Path:        "/history/stats",
		Summary:     "Effort totals by type and date",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body domain.EffortStats `json:"body"`
	}, error) {
		r, err := input.dateRange()
		if err != nil {
			return nil, err
		}
		st, err := a.Ledger.GetEffortStats(ctx, r)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EffortStats `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-summary",
		Method:      http.MethodGet,
		Path:        "/history/summary",
		Summary:     "Completion counts and effort averages",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body domain.HistorySummary `json:"body"`
	}, error) {
		r, err := input.dateRange()
		if err != nil {
			return nil, err
		}
		sum, err := a.Ledger.Summary(ctx, r)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HistorySummary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerSettings(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "List settings",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SettingResponse `json:"body"`
	}, error) {
		list, err := a.Settings.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SettingResponse, 0, len(list))
		for _, s := range list {
			out = append(out, settingResponse(s))
		}
		return &struct {
			Body []SettingResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-setting",
		Method:      http.MethodGet,
		Path:        "/settings/{key}",
		Summary:     "Get setting",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body SettingResponse `json:"body"`
	}, error) {
		s, err := a.Settings.GetSetting(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingResponse `json:"body"`
		}{Body: settingResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-setting",
		Method:      http.MethodPut,
		Path:        "/settings/{key}",
		Summary:     "Create or overwrite setting",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Key  string         `path:"key"`
		Body SettingRequest `json:"body"`
	}) (*struct {
		Body SettingResponse `json:"body"`
	}, error) {
		s, err := a.Settings.UpdateSetting(ctx, input.Key, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingResponse `json:"body"`
		}{Body: settingResponse(s)}, nil
	})
}

func registerUrgency(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-formula",
		Method:      http.MethodGet,
		Path:        "/urgency/formula",
		Summary:     "Active urgency formula",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.FormulaSetting `json:"body"`
	}, error) {
		return &struct {
			Body domain.FormulaSetting `json:"body"`
		}{Body: a.Urgency.Formula(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-formula",
		Method:      http.MethodPut,
		Path:        "/urgency/formula",
		Summary:     "Validate and store the urgency formula",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body FormulaRequest `json:"body"`
	}) (*struct {
		Body SettingResponse `json:"body"`
	}, error) {
		s, err := a.Urgency.SetFormula(ctx, input.Body.Formula, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingResponse `json:"body"`
		}{Body: settingResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-formula",
		Method:      http.MethodPost,
		Path:        "/urgency/formula/test",
		Summary:     "Evaluate a formula against sample inputs without storing it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body FormulaTestRequest `json:"body"`
	}) (*struct {
		Body FormulaTestResponse `json:"body"`
	}, error) {
		in := urgency.Inputs{Effort: input.Body.Effort, Importance: input.Body.Importance, DaysLeft: input.Body.DaysLeft}
		score, err := a.Urgency.EvaluateFormula(input.Body.Formula, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FormulaTestResponse `json:"body"`
		}{Body: FormulaTestResponse{Formula: input.Body.Formula, Score: score, Level: a.Urgency.GetUrgencyLevel(ctx, score)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thresholds",
		Method:      http.MethodGet,
		Path:        "/urgency/thresholds",
		Summary:     "Active classification thresholds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Thresholds `json:"body"`
	}, error) {
		return &struct {
			Body domain.Thresholds `json:"body"`
		}{Body: a.Urgency.Thresholds(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-thresholds",
		Method:      http.MethodPut,
		Path:        "/urgency/thresholds",
		Summary:     "Validate and store classification thresholds",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body domain.Thresholds `json:"body"`
	}) (*struct {
		Body SettingResponse `json:"body"`
	}, error) {
		s, err := a.Urgency.SetThresholds(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingResponse `json:"body"`
		}{Body: settingResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "score-task",
		Method:      http.MethodPost,
		Path:        "/urgency/score",
		Summary:     "Score one active task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ScoreRequest `json:"body"`
	}) (*struct {
		Body domain.UrgencyResult `json:"body"`
	}, error) {
		view, err := activeView(ctx, a, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.Urgency.Score(ctx, view)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"task_id": view.ID})
		}
		return &struct {
			Body domain.UrgencyResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "urgency-level",
		Method:      http.MethodGet,
		Path:        "/urgency/level",
		Summary:     "Classify a score against the active thresholds",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Score string `query:"score" required:"true"`
	}) (*struct {
		Body LevelResponse `json:"body"`
	}, error) {
		score, err := strconv.ParseFloat(input.Score, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid score", map[string]any{"score": input.Score})
		}
		return &struct {
			Body LevelResponse `json:"body"`
		}{Body: LevelResponse{Score: score, Level: a.Urgency.GetUrgencyLevel(ctx, score)}}, nil
	})
}

// activeView finds id among the active tasks.
func activeView(ctx context.Context, a *app.App, id int64) (domain.TaskView, error) {
	views, err := a.Engine.GetActiveTasks(ctx)
	if err != nil {
		return domain.TaskView{}, err
	}
	for _, v := range views {
		if v.ID == id {
			return v, nil
		}
	}
	t, err := a.Engine.GetTask(ctx, id)
	if err != nil {
		return domain.TaskView{}, err
	}
	return domain.TaskView{}, &engine.ValidationError{Field: "task_id", Reason: fmt.Sprintf("task %d is %s", t.ID, t.Status)}
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,setting"`
		EntityID   string `query:"entity_id"`
		OpID       string `query:"op_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Engine.Repo.LatestEvents(ctx, repo.EventFilters{
			Limit:      limit + 1,
			Cursor:     cursorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			OpID:       input.OpID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
