package taskranksdk

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

	"taskrank/internal/domain"
)

// Client is a minimal taskrank HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// CreateTaskInput mirrors the create-task request body.
type CreateTaskInput struct {
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	DueDate     *string `json:"due_date,omitempty"`
	Importance  int     `json:"importance"`
	EffortHours float64 `json:"effort_hours"`
	ParentID    *int64  `json:"parent_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ranking is the ranking response.
type Ranking struct {
	Items  []domain.RankedTask            `json:"items"`
	ByType map[string][]domain.RankedTask `json:"by_type"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// FormulaTest is the result of evaluating a formula without storing it.
type FormulaTest struct {
	Formula string       `json:"formula"`
	Score   float64      `json:"score"`
	Level   domain.Level `json:"level"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// ActiveTasks lists active tasks; top-level ones carry their subtasks.
func (c *Client) ActiveTasks(ctx context.Context) ([]domain.TaskView, error) {
	var resp []domain.TaskView
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

// CompleteTask completes a task and its subtasks.
func (c *Client) CompleteTask(ctx context.Context, id int64) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/complete", id), nil, &resp)
	return resp, err
}

// UncompleteTask reopens a task.
func (c *Client) UncompleteTask(ctx context.Context, id int64) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/uncomplete", id), nil, &resp)
	return resp, err
}

// DeleteTask removes a task and its subtasks.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d", id), nil, nil)
}

// Ranking returns the urgency ranking, optionally restricted to one task type.
func (c *Client) Ranking(ctx context.Context, taskType string) (Ranking, error) {
	endpoint := "ranking"
	if taskType != "" {
		endpoint += "?type=" + url.QueryEscape(taskType)
	}
	var resp Ranking
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// HistoryTree returns completion records grouped under their parent. Empty bounds are open.
func (c *Client) HistoryTree(ctx context.Context, start, end string) ([]domain.HistoryNode, error) {
	var resp []domain.HistoryNode
	err := c.do(ctx, http.MethodGet, withRange("history/tree", start, end), nil, &resp)
	return resp, err
}

// EffortStats returns effort totals for the range.
func (c *Client) EffortStats(ctx context.Context, start, end string) (domain.EffortStats, error) {
	var resp domain.EffortStats
	err := c.do(ctx, http.MethodGet, withRange("history/stats", start, end), nil, &resp)
	return resp, err
}

// SetFormula stores a new urgency formula.
func (c *Client) SetFormula(ctx context.Context, formula, description string) error {
	body := map[string]any{"formula": formula, "description": description}
	return c.do(ctx, http.MethodPut, "urgency/formula", body, nil)
}

// TestFormula evaluates formula against sample inputs.
func (c *Client) TestFormula(ctx context.Context, formula string, effort, importance, daysLeft float64) (FormulaTest, error) {
	body := map[string]any{
		"formula":    formula,
		"effort":     effort,
		"importance": importance,
		"daysLeft":   daysLeft,
	}
	var resp FormulaTest
	err := c.do(ctx, http.MethodPost, "urgency/formula/test", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func withRange(endpoint, start, end string) string {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
