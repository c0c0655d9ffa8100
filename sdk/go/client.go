package planlinesdk

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

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Directive represents the API directive model (partial).
type Directive struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	Objective       string `json:"objective"`
	PayloadHash     string `json:"payload_hash"`
	Status          string `json:"status"`
	RejectReason    string `json:"reject_reason,omitempty"`
	EstimatedImpact string `json:"estimated_impact"`
	CreatedAt       string `json:"created_at"`
}

// SubmitResult wraps the submit response.
type SubmitResult struct {
	Directive    Directive `json:"directive"`
	Deduplicated bool      `json:"deduplicated"`
}

// ApplyResult reports the outcome of an apply call.
type ApplyResult struct {
	DirectiveID       string   `json:"directive_id"`
	TasksCreated      int      `json:"tasks_created"`
	TasksSkipped      int      `json:"tasks_skipped"`
	CreatedTaskIDs    []string `json:"created_task_ids"`
	Idempotent        bool     `json:"idempotent"`
	BlockedByRequests bool     `json:"blocked_by_requests"`
	MissingRequests   []string `json:"missing_requests"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	DirectiveID string `json:"directive_id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	ContentHash string `json:"content_hash"`
}

// RequiredData represents a required data request.
type RequiredData struct {
	ProjectID  string `json:"project_id"`
	RequestID  string `json:"request_id"`
	Reason     string `json:"reason,omitempty"`
	Satisfied  bool   `json:"satisfied"`
	ProvidedAt string `json:"provided_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDirectives wraps directive list responses with cursors.
type PaginatedDirectives struct {
	Items      []Directive `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedTasks wraps task list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitDirective submits a raw directive payload for review.
func (c *Client) SubmitDirective(ctx context.Context, payload map[string]any) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.projectPath("directives"), payload, &resp)
	return resp, err
}

// GetDirective fetches a directive by id.
func (c *Client) GetDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.projectPath(fmt.Sprintf("directives/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListDirectives returns a paginated directive listing.
func (c *Client) ListDirectives(ctx context.Context, status string, limit int, cursor string) (PaginatedDirectives, error) {
	endpoint := c.projectPath("directives")
	endpoint = appendQuery(endpoint, "status", status)
	if limit > 0 {
		endpoint = appendQuery(endpoint, "limit", fmt.Sprintf("%d", limit))
	}
	endpoint = appendQuery(endpoint, "cursor", cursor)
	var resp PaginatedDirectives
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveDirective approves a pending directive.
func (c *Client) ApproveDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.projectPath(fmt.Sprintf("directives/%s/approve", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectDirective rejects a pending directive with a reason.
func (c *Client) RejectDirective(ctx context.Context, id, reason string) (Directive, error) {
	var resp Directive
	endpoint := c.projectPath(fmt.Sprintf("directives/%s/reject", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ApplyDirective applies an approved directive into the backlog.
func (c *Client) ApplyDirective(ctx context.Context, id string) (ApplyResult, error) {
	var resp ApplyResult
	endpoint := c.projectPath(fmt.Sprintf("directives/%s/apply", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns a paginated task listing.
func (c *Client) ListTasks(ctx context.Context, directiveID string, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := c.projectPath("tasks")
	endpoint = appendQuery(endpoint, "directive_id", directiveID)
	if limit > 0 {
		endpoint = appendQuery(endpoint, "limit", fmt.Sprintf("%d", limit))
	}
	endpoint = appendQuery(endpoint, "cursor", cursor)
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListRequiredData returns the project's required data requests.
func (c *Client) ListRequiredData(ctx context.Context) ([]RequiredData, error) {
	var resp []RequiredData
	err := c.do(ctx, http.MethodGet, c.projectPath("required-data"), nil, &resp)
	return resp, err
}

// ProvideRequiredData marks a data request satisfied.
func (c *Client) ProvideRequiredData(ctx context.Context, requestID string) (RequiredData, error) {
	var resp RequiredData
	endpoint := c.projectPath(fmt.Sprintf("required-data/%s/provide", url.PathEscape(requestID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = appendQuery(endpoint, "limit", fmt.Sprintf("%d", limit))
	}
	endpoint = appendQuery(endpoint, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func appendQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%s", endpoint, sep, key, url.QueryEscape(value))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
