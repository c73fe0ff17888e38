package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"invalid state: submission s1 is unassigned, must be assigned"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"unassigned\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reviewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Engine)
	registerHealth(group)
	registerSubmissions(group, cfg.Engine)
	registerReviewer(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
	var stateErr *engine.InvalidStateError
	if errors.As(err, &stateErr) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"submission_id": stateErr.SubmissionID,
			"state":         stateErr.State,
		})
	}
	var consistencyErr *engine.ConsistencyError
	if errors.As(err, &consistencyErr) {
		return newAPIError(http.StatusInternalServerError, "consistency_violation", err.Error(), map[string]any{
			"submission_id": consistencyErr.SubmissionID,
			"reviewer_id":   consistencyErr.ReviewerID,
			"profile":       consistencyErr.Profile,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrProfileInUse):
		return newAPIError(http.StatusConflict, "profile_in_use", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAssignee):
		return newAPIError(http.StatusForbidden, "not_assignee", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidProfile), errors.Is(err, repo.ErrQuotaBelowLoad):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must not") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusForbidden:
		return "not_assignee"
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

func registerMetrics(r chi.Router, e engine.Engine) {
	if e.Metrics == nil {
		return
	}
	r.Handle("/metrics", e.Metrics.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
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
    <title>Reviewline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Reviewer endpoints identify the caller with the X-Reviewer-Id header.
    </p>
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

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit",
		Method:        http.MethodPost,
		Path:          "/submissions",
		Summary:       "Submit a CV for review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", map[string]any{"field": "name"})
		}
		opts := engine.SubmitOptions{
			Name:     input.Body.Name,
			Email:    input.Body.Email,
			Profile:  input.Body.Profile,
			Metadata: input.Body.Metadata,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		sub, err := e.SubmitNew(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}",
		Summary:     "Get submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		sub, err := e.Submission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

type nextOutput struct {
	Status      int
	ContentType string `header:"Content-Type"`
	Body        []byte
}

func registerReviewer(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reviewer-next",
		Method:      http.MethodGet,
		Path:        "/reviewer/next",
		Summary:     "Pull the oldest submission the reviewer is qualified for",
		Description: "Returns 204 with no body when nothing is available or the reviewer's quota is used up.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReviewerID string `header:"X-Reviewer-Id"`
	}) (*nextOutput, error) {
		if input.ReviewerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "X-Reviewer-Id header is required", nil)
		}
		sub, ok, err := e.NextFor(ctx, input.ReviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return &nextOutput{Status: http.StatusNoContent}, nil
		}
		b, err := json.Marshal(sub)
		if err != nil {
			return nil, handleError(err)
		}
		return &nextOutput{Status: http.StatusOK, ContentType: "application/json", Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reviewer-complete",
		Method:        http.MethodPost,
		Path:          "/reviewer/reviews",
		Summary:       "Record review feedback for an assigned submission",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ReviewerID string        `header:"X-Reviewer-Id"`
		Body       ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if input.ReviewerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "X-Reviewer-Id header is required", nil)
		}
		if isNullRaw(rawBodyMap(ctx)["comments"]) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "comments must be an array", map[string]any{"field": "comments", "reason": "must be array"})
		}
		if input.Body.SubmissionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "submission_id is required", map[string]any{"field": "submission_id"})
		}
		sub, err := e.Complete(ctx, engine.CompleteOptions{
			SubmissionID: input.Body.SubmissionID,
			ReviewerID:   input.ReviewerID,
			Feedback:     input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "allocate",
		Method:      http.MethodPost,
		Path:        "/admin/allocate",
		Summary:     "Assign every pending submission to the least loaded qualified reviewer",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AllocationResult `json:"body"`
	}, error) {
		res, err := e.AllocateAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AllocationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviewers",
		Method:      http.MethodGet,
		Path:        "/admin/reviewers",
		Summary:     "List reviewers with load and quota",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reviewerList `json:"body"`
	}, error) {
		items, err := e.Reviewers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Reviewer{}
		}
		return &struct {
			Body reviewerList `json:"body"`
		}{Body: reviewerList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-reviewer",
		Method:      http.MethodPut,
		Path:        "/admin/reviewers/{id}",
		Summary:     "Create or update a reviewer",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReviewerRequest `json:"body"`
	}) (*struct {
		Body domain.Reviewer `json:"body"`
	}, error) {
		rv, err := reviewerFromRequest(input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		saved, err := e.SetReviewer(ctx, rv)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Reviewer `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/admin/submissions",
		Summary:     "List submissions oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State      string `query:"state" enum:"unassigned,assigned,completed"`
		Profile    string `query:"profile"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedSubmissions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.SubmissionFilters{
			State:             domain.SubmissionState(input.State),
			AssigneeID:        input.AssigneeID,
			Limit:             limit + 1,
			CursorSubmittedAt: cursorTS,
			CursorID:          cursorID,
		}
		if input.Profile != "" {
			p, err := domain.ParseProfile(input.Profile)
			if err != nil {
				return nil, handleError(err)
			}
			filter.Profile = p
		}
		items, err := e.Submissions(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSubmissions{}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.SubmittedAt, last.ID)
		}
		resp.Items = nonNilSubmissions(items)
		return &struct {
			Body paginatedSubmissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/admin/assignments",
		Summary:     "List assignments with their reviewer",
	}, func(ctx context.Context, input *struct {
		ReviewerID string `query:"reviewer_id"`
	}) (*struct {
		Body assignmentList `json:"body"`
	}, error) {
		items, err := e.Assignments(ctx, input.ReviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Assignment{}
		}
		return &struct {
			Body assignmentList `json:"body"`
		}{Body: assignmentList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "coverage",
		Method:      http.MethodGet,
		Path:        "/admin/coverage",
		Summary:     "Profiles without a qualified reviewer, plus submission counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body coverageResponse `json:"body"`
	}, error) {
		uncovered, err := e.Coverage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coverageResponse `json:"body"`
		}{Body: coverageResponse{Uncovered: uncovered, Counts: counts}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if v := ctx.Value(bodyBytesKey{}); v != nil {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	b := bodyBytes(ctx)
	if len(b) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func isNullRaw(raw json.RawMessage) bool {
	return len(raw) > 0 && strings.TrimSpace(string(raw)) == "null"
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
