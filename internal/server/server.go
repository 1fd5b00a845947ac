package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"suiteline/internal/domain"
	"suiteline/internal/engine"
	"suiteline/internal/heartbeat"
	"suiteline/internal/lifecycle"
	"suiteline/internal/logger"
	"suiteline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid execution transition: FINISHED -> RUNNING"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the suiteline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logger.OrNop(cfg.Log).Named("http")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))

	hcfg := huma.DefaultConfig("suiteline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	h := handlers{e: e}
	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, h)
	registerExecutions(group, h)
	registerSuites(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)
	if e.Metrics != nil {
		router.Handle("/metrics", e.Metrics.Handler())
	}
	return router, nil
}

// requestLogger logs one line per request at debug level and failures at warn.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
				return
			}
			log.Debug("request", fields...)
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
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, domain.ErrInvariant):
		return newAPIError(http.StatusConflict, "invariant_violation", msg, nil)
	case errors.Is(err, repo.ErrNotOwner):
		return newAPIError(http.StatusConflict, "not_owner", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusServiceUnavailable, "store_busy", msg, nil)
	case errors.Is(err, engine.ErrValidation), errors.Is(err, heartbeat.ErrUnknownState):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
    <title>suiteline API Docs</title>
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

type handlers struct {
	e *engine.Engine
}

type executionPath struct {
	ID string `path:"id"`
}

type agentPath struct {
	AgentID string `path:"agent_id"`
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

func registerAgents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/heartbeat",
		Summary:     "Report agent state and receive the next directive",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body HeartbeatRequest `json:"body"`
	}) (*struct {
		Body HeartbeatResponse `json:"body"`
	}, error) {
		hb := domain.Heartbeat{
			AgentID:  input.Body.AgentID,
			State:    domain.AgentState(input.Body.State),
			Progress: input.Body.Progress,
		}
		if input.Body.Timestamp != nil {
			hb.Timestamp = input.Body.Timestamp.UTC()
		}
		d, err := h.e.Heartbeat(ctx, hb)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HeartbeatResponse `json:"body"`
		}{Body: heartbeatResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/batch",
		Summary:     "Claim the next batch of tests for an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := h.e.GetBatch(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-results",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/results",
		Summary:     "Report results for tests the agent holds",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string               `path:"agent_id"`
		Body    ReportResultsRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		results := make([]repo.TestResult, 0, len(input.Body.Results))
		for _, r := range input.Body.Results {
			results = append(results, repo.TestResult{TestExecutionID: r.TestExecutionID, Status: domain.TestStatus(r.Status)})
		}
		ex, err := h.e.ReportResults(ctx, input.AgentID, results)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/agents",
		Summary:     "List the agents of an execution with their current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		if _, err := h.e.Repo.GetExecution(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.Repo.ListAgents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Items: mapSlice(items, agentResponse)}}, nil
	})
}

func registerExecutions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Create an execution and start its agents",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartExecutionRequest `json:"body"`
	}) (*struct {
		Body StartExecutionResponse `json:"body"`
	}, error) {
		ex, agents, err := h.e.StartExecution(ctx, engine.StartOptions{
			SuiteIDs:  input.Body.SuiteIDs,
			BatchSize: input.Body.BatchSize,
			Agents:    input.Body.Agents,
			Image:     input.Body.Image,
			Env:       input.Body.Env,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartExecutionResponse `json:"body"`
		}{Body: StartExecutionResponse{Execution: executionResponse(ex), Agents: agents}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status []string `query:"status"`
	}) (*struct {
		Body ExecutionList `json:"body"`
	}, error) {
		statuses := make([]domain.ExecutionStatus, 0, len(input.Status))
		for _, s := range input.Status {
			st := domain.ExecutionStatus(strings.ToUpper(s))
			if !st.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status filter", map[string]any{"status": s})
			}
			statuses = append(statuses, st)
		}
		items, err := h.e.Repo.ListExecutions(ctx, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionList `json:"body"`
		}{Body: ExecutionList{Items: mapSlice(items, executionResponse)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		ex, err := h.e.Repo.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-execution-status",
		Method:      http.MethodPut,
		Path:        "/executions/{id}/status",
		Summary:     "Move an execution to a new status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                       `path:"id"`
		Body UpdateExecutionStatusRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		ex, err := h.e.UpdateExecutionStatus(ctx, input.ID, domain.ExecutionStatus(input.Body.Status), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{Status: string(ex.Status)}}, nil
	})
}

func registerSuites(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-suite",
		Method:        http.MethodPost,
		Path:          "/suites",
		Summary:       "Register a test suite",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateSuiteRequest `json:"body"`
	}) (*struct {
		Body SuiteResponse `json:"body"`
	}, error) {
		s, tests, err := h.e.CreateSuite(ctx, engine.SuiteCreateOptions{
			ID:       input.Body.ID,
			Name:     input.Body.Name,
			RootPath: input.Body.RootPath,
			Tests:    input.Body.Tests,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SuiteResponse `json:"body"`
		}{Body: SuiteResponse{ID: s.ID, Name: s.Name, RootPath: s.RootPath, Tests: len(tests), CreatedAt: s.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-suite",
		Method:      http.MethodDelete,
		Path:        "/suites/{id}",
		Summary:     "Delete a suite, obsoleting its live executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		if err := h.e.DeleteSuite(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{Status: "deleted"}}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-execution-events",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/events",
		Summary:     "List the event log of an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string   `path:"id"`
		Type []string `query:"type"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if _, err := h.e.Repo.GetExecution(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.Repo.ExecutionEvents(ctx, input.ID, input.Type...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: mapSlice(items, eventResponse)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Cursor int64 `query:"cursor" minimum:"0"`
		Limit  int   `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := h.e.Repo.EventsAfter(ctx, limit+1, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = mapSlice(items, eventResponse)
		return &struct {
			Body EventList `json:"body"`
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
