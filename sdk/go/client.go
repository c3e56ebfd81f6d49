package flowdesksdk

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

// Client is a minimal FlowDesk HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string // legacy header auth, used when BearerToken is empty
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// Task represents the API task model.
type Task struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Priority   string   `json:"priority"`
	AssigneeID *string  `json:"assignee_id,omitempty"`
	WorkflowID *string  `json:"workflow_id,omitempty"`
	DueDate    *string  `json:"due_date,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Version    int64    `json:"version"`
}

// Notification represents an API notification.
type Notification struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	RecipientID string `json:"recipient_id"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at"`
	Version     int64  `json:"version"`
}

// Event represents a committed-mutation log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Page wraps list responses with an offset token.
type Page[T any] struct {
	Items         []T    `json:"items"`
	Total         int    `json:"total"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// MutationOptions carry the optional write-request controls.
type MutationOptions struct {
	IdempotencyKey  string
	ExpectedVersion int64
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, priority string, opts MutationOptions) (Task, error) {
	body := map[string]any{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp, opts)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp, MutationOptions{})
	return resp, err
}

// UpdateTask applies a partial update; nil map values are skipped.
func (c *Client) UpdateTask(ctx context.Context, id string, fields map[string]any, opts MutationOptions) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "v0/tasks/"+url.PathEscape(id), fields, &resp, opts)
	return resp, err
}

// ListTasks returns tasks matching the given filters.
func (c *Client) ListTasks(ctx context.Context, filters map[string]string, limit int, pageToken string) (Page[Task], error) {
	var resp Page[Task]
	err := c.do(ctx, http.MethodGet, listPath("v0/tasks", filters, limit, pageToken), nil, &resp, MutationOptions{})
	return resp, err
}

// CreateUser creates a user.
func (c *Client) CreateUser(ctx context.Context, name, email, role string, opts MutationOptions) (User, error) {
	body := map[string]any{"name": name, "email": email, "role": role}
	var resp User
	err := c.do(ctx, http.MethodPost, "v0/users", body, &resp, opts)
	return resp, err
}

// ListUsers returns users matching the given filters.
func (c *Client) ListUsers(ctx context.Context, filters map[string]string, limit int, pageToken string) (Page[User], error) {
	var resp Page[User]
	err := c.do(ctx, http.MethodGet, listPath("v0/users", filters, limit, pageToken), nil, &resp, MutationOptions{})
	return resp, err
}

// Notifications returns the calling user's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	filters := map[string]string{}
	if unreadOnly {
		filters["read"] = "false"
	}
	var resp Page[Notification]
	err := c.do(ctx, http.MethodGet, listPath("v0/notifications", filters, 0, ""), nil, &resp, MutationOptions{})
	return resp.Items, err
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string, opts MutationOptions) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, "v0/notifications/"+url.PathEscape(id)+"/read", nil, &resp, opts)
	return resp, err
}

// Events polls committed events after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, MutationOptions{})
	return resp.Items, err
}

func listPath(base string, filters map[string]string, limit int, pageToken string) string {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	if len(q) == 0 {
		return base
	}
	return base + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, opts MutationOptions) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if opts.ExpectedVersion > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target = fmt.Sprintf("%s%sexpected_version=%d", target, sep, opts.ExpectedVersion)
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = string(b)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
