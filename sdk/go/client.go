package reviewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL string
	// ReviewerID is sent as X-Reviewer-Id on reviewer endpoints.
	ReviewerID string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// AsReviewer returns a copy of c that acts for reviewerID.
func (c *Client) AsReviewer(reviewerID string) *Client {
	cp := *c
	cp.ReviewerID = reviewerID
	return &cp
}

// Submission represents the API submission model.
type Submission struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Email       string            `json:"email,omitempty"`
	Profile     string            `json:"profile"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubmittedAt string            `json:"submitted_at"`
	State       string            `json:"state"`
	AssigneeID  string            `json:"assignee_id,omitempty"`
	AssignedAt  string            `json:"assigned_at,omitempty"`
	Feedback    []string          `json:"feedback,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

// Reviewer represents a roster entry with its committed load.
type Reviewer struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Email    string   `json:"email,omitempty"`
	Profiles []string `json:"profiles"`
	Quota    int      `json:"quota"`
	Load     int      `json:"load"`
}

// Assignment is a submission bound to its reviewer.
type Assignment struct {
	SubmissionID string   `json:"submission_id"`
	Profile      string   `json:"profile"`
	State        string   `json:"state"`
	ReviewerID   string   `json:"reviewer_id"`
	ReviewerName string   `json:"reviewer_name"`
	AssignedAt   string   `json:"assigned_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
	Feedback     []string `json:"feedback,omitempty"`
}

// AllocationResult counts the outcome of a batch allocation.
type AllocationResult struct {
	Assigned int `json:"assigned"`
	Skipped  int `json:"skipped"`
}

// PaginatedSubmissions wraps list responses with cursors.
type PaginatedSubmissions struct {
	Items      []Submission `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// SubmissionQuery filters a submission listing.
type SubmissionQuery struct {
	State      string
	Profile    string
	AssigneeID string
	Limit      int
	Cursor     string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Submit files a new submission.
func (c *Client) Submit(ctx context.Context, name, email, profile string, metadata map[string]string) (Submission, error) {
	body := map[string]any{
		"name":    name,
		"profile": profile,
	}
	if email != "" {
		body["email"] = email
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp Submission
	_, err := c.do(ctx, http.MethodPost, "v0/submissions", body, &resp)
	return resp, err
}

// Submission fetches one submission by id.
func (c *Client) Submission(ctx context.Context, id string) (Submission, error) {
	var resp Submission
	_, err := c.do(ctx, http.MethodGet, "v0/submissions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Next pulls the oldest submission the reviewer may take. ok is false when
// nothing is available.
func (c *Client) Next(ctx context.Context) (sub Submission, ok bool, err error) {
	status, err := c.do(ctx, http.MethodGet, "v0/reviewer/next", nil, &sub)
	if err != nil {
		return Submission{}, false, err
	}
	return sub, status != http.StatusNoContent, nil
}

// Complete records feedback for a submission assigned to the reviewer.
func (c *Client) Complete(ctx context.Context, submissionID string, comments []string) (Submission, error) {
	if comments == nil {
		comments = []string{}
	}
	body := map[string]any{
		"submission_id": submissionID,
		"comments":      comments,
	}
	var resp Submission
	_, err := c.do(ctx, http.MethodPost, "v0/reviewer/reviews", body, &resp)
	return resp, err
}

// Allocate runs one batch allocation pass.
func (c *Client) Allocate(ctx context.Context) (AllocationResult, error) {
	var resp AllocationResult
	_, err := c.do(ctx, http.MethodPost, "v0/admin/allocate", nil, &resp)
	return resp, err
}

// Reviewers lists the roster.
func (c *Client) Reviewers(ctx context.Context) ([]Reviewer, error) {
	var resp struct {
		Items []Reviewer `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, "v0/admin/reviewers", nil, &resp)
	return resp.Items, err
}

// PutReviewer creates or updates a reviewer.
func (c *Client) PutReviewer(ctx context.Context, rv Reviewer) (Reviewer, error) {
	body := map[string]any{
		"name":     rv.Name,
		"email":    rv.Email,
		"profiles": rv.Profiles,
		"quota":    rv.Quota,
	}
	if rv.Profiles == nil {
		body["profiles"] = []string{}
	}
	var resp Reviewer
	_, err := c.do(ctx, http.MethodPut, "v0/admin/reviewers/"+url.PathEscape(rv.ID), body, &resp)
	return resp, err
}

// Submissions returns one page of submissions, oldest first.
func (c *Client) Submissions(ctx context.Context, q SubmissionQuery) (PaginatedSubmissions, error) {
	params := url.Values{}
	if q.State != "" {
		params.Set("state", q.State)
	}
	if q.Profile != "" {
		params.Set("profile", q.Profile)
	}
	if q.AssigneeID != "" {
		params.Set("assignee_id", q.AssigneeID)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	endpoint := "v0/admin/submissions"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedSubmissions
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Assignments lists assignments, optionally for one reviewer.
func (c *Client) Assignments(ctx context.Context, reviewerID string) ([]Assignment, error) {
	endpoint := "v0/admin/assignments"
	if reviewerID != "" {
		endpoint += "?reviewer_id=" + url.QueryEscape(reviewerID)
	}
	var resp struct {
		Items []Assignment `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ReviewerID != "" {
		req.Header.Set("X-Reviewer-Id", c.ReviewerID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
