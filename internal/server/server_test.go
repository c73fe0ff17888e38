package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/metrics"
	"reviewline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	e.Metrics = metrics.New()
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestReviewFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/reviewers/alice", map[string]any{
		"name": "Alice", "profiles": []string{"backend"}, "quota": 2,
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"name": "Ada", "email": "ada@example.com", "profile": "backend",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.Submission
	require.NoError(t, json.Unmarshal(data, &created))
	require.Equal(t, domain.StateUnassigned, created.State)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reviewer/next", nil, map[string]string{"X-Reviewer-Id": "alice"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pulled domain.Submission
	require.NoError(t, json.Unmarshal(data, &pulled))
	require.Equal(t, created.ID, pulled.ID)
	require.Equal(t, domain.StateAssigned, pulled.State)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reviewer/next", nil, map[string]string{"X-Reviewer-Id": "alice"})
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	require.Empty(t, data)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/reviewers/alice", map[string]any{
		"name": "Alice", "profiles": []string{"frontend"}, "quota": 2,
	}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, "profile_in_use", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviewer/reviews", map[string]any{
		"submission_id": created.ID, "comments": []string{"Great", "Add metrics"},
	}, map[string]string{"X-Reviewer-Id": "bob"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	require.Equal(t, "not_assignee", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviewer/reviews", map[string]any{
		"submission_id": created.ID, "comments": []string{"Great", "Add metrics"},
	}, map[string]string{"X-Reviewer-Id": "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var done domain.Submission
	require.NoError(t, json.Unmarshal(data, &done))
	require.Equal(t, domain.StateCompleted, done.State)
	require.Equal(t, []string{"Great", "Add metrics"}, done.Feedback)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviewer/reviews", map[string]any{
		"submission_id": created.ID, "comments": []string{"again"},
	}, map[string]string{"X-Reviewer-Id": "alice"})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, "invalid_state", decodeError(t, data).Code)
}

func TestReviewerErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/reviewer/next", nil, map[string]string{"X-Reviewer-Id": "ghost"})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	require.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reviewer/next", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviewer/reviews", `{"submission_id":"x","comments":"not a list"}`, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.Equal(t, "bad_request", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviewer/reviews", map[string]any{
		"submission_id": "missing", "comments": []string{},
	}, map[string]string{"X-Reviewer-Id": "ghost"})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviewer/reviews", map[string]any{
		"submission_id": "missing", "comments": []string{},
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.Contains(t, decodeError(t, data).Message, "X-Reviewer-Id")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"name": "Ada", "profile": "astronaut",
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestAllocateAndListings(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	_, err := srv.Engine.SetReviewer(ctx, domain.Reviewer{ID: "w1", Quota: 1, Profiles: []domain.Profile{domain.ProfileBackend}})
	require.NoError(t, err)
	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := srv.Engine.SubmitNew(ctx, engine.SubmitOptions{ID: id, Name: id, Profile: "backend"})
		require.NoError(t, err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/allocate", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var result domain.AllocationResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, domain.AllocationResult{Assigned: 1, Skipped: 2}, result)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/submissions?state=unassigned&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedSubmissions
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, "s2", page.Items[0].ID)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/submissions?state=unassigned&limit=1&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = paginatedSubmissions{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, "s3", page.Items[0].ID)
	require.Empty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/submissions?cursor=garbage", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/assignments", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var assignments assignmentList
	require.NoError(t, json.Unmarshal(data, &assignments))
	require.Len(t, assignments.Items, 1)
	require.Equal(t, "s1", assignments.Items[0].SubmissionID)
	require.Equal(t, "w1", assignments.Items[0].ReviewerID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/reviewers", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reviewers reviewerList
	require.NoError(t, json.Unmarshal(data, &reviewers))
	require.Len(t, reviewers.Items, 1)
	require.Equal(t, 1, reviewers.Items[0].Load)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/reviewers/w1", map[string]any{
		"profiles": []string{"backend"}, "quota": 0,
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/coverage", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var coverage coverageResponse
	require.NoError(t, json.Unmarshal(data, &coverage))
	require.NotContains(t, coverage.Uncovered, domain.ProfileBackend)
	require.Contains(t, coverage.Uncovered, domain.ProfileMobile)
	require.Equal(t, 2, coverage.Counts[domain.StateUnassigned])
}

func TestDocsMetricsAndHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), `"ok"`)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "/v0/reviewer/next")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.Contains(string(data), "swagger-ui"))

	_, err := srv.Engine.AllocateAll(context.Background())
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "reviewline_")
}
