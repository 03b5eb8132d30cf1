// Package opsboardsdk is an HTTP client for the opsboard API. A Client is a
// store.Store, so viewer sessions can run against a remote server.
package opsboardsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opsboard/internal/domain"
	"opsboard/internal/store"
)

// Client is a minimal opsboard HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

var _ store.Store = (*Client)(nil)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap exposes the error reason so callers can use errors.Is with the
// domain sentinels.
func (e *APIError) Unwrap() error {
	reason := domain.Reason(e.Code)
	if _, ok := knownReasons[reason]; !ok {
		reason = reasonForStatus(e.StatusCode)
	}
	return &domain.Error{Reason: reason, Message: e.Message}
}

var knownReasons = map[domain.Reason]struct{}{
	domain.ReasonIllegalTransition:    {},
	domain.ReasonInsufficientEvidence: {},
	domain.ReasonNotAProjectMember:    {},
	domain.ReasonForbidden:            {},
	domain.ReasonNotFound:             {},
	domain.ReasonConflict:             {},
	domain.ReasonTransport:            {},
	domain.ReasonAlreadyInitialized:   {},
	domain.ReasonInFlight:             {},
	domain.ReasonInconsistent:         {},
	domain.ReasonInvalid:              {},
}

func reasonForStatus(status int) domain.Reason {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.ReasonForbidden
	case status == http.StatusNotFound:
		return domain.ReasonNotFound
	case status == http.StatusConflict:
		return domain.ReasonConflict
	case status >= 500:
		return domain.ReasonTransport
	}
	return domain.ReasonInvalid
}

type items[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) Me(ctx context.Context) (domain.Actor, error) {
	var resp struct {
		Actor domain.Actor `json:"actor"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.Actor, err
}

func (c *Client) ListActors(ctx context.Context) ([]domain.Actor, error) {
	var resp items[domain.Actor]
	err := c.do(ctx, http.MethodGet, "actors", nil, &resp)
	return resp.Items, err
}

// CreateTask creates a task. Empty optional fields are omitted.
func (c *Client) CreateTask(ctx context.Context, title, projectID, assigneeID string) (domain.Task, error) {
	body := map[string]any{"title": title}
	if projectID != "" {
		body["project_id"] = projectID
	}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) ReadTask(ctx context.Context, id string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	q := url.Values{}
	if f.ProjectID != "" {
		q.Set("project_id", f.ProjectID)
	}
	if f.AssigneeID != "" {
		q.Set("assignee_id", f.AssigneeID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Unscoped {
		q.Set("unscoped", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp items[domain.Task]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	body := map[string]any{"status": u.Status}
	if u.ExpectedVersion > 0 {
		body["expected_version"] = u.ExpectedVersion
	}
	if u.ExpectedStatus != "" {
		body["expected_status"] = u.ExpectedStatus
	}
	if u.Progress != nil {
		body["progress"] = *u.Progress
	}
	if u.Quick {
		body["quick"] = true
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

func (c *Client) UpdateTaskAssignee(ctx context.Context, id string, actorID *string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(id)+"/assignee", map[string]any{"actor_id": actorID}, &resp)
	return resp, err
}

func (c *Client) CreateReview(ctx context.Context, taskID string, decision domain.Decision, comment string) (domain.Review, error) {
	var resp domain.Review
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/reviews", map[string]any{"decision": decision, "comment": comment}, &resp)
	return resp, err
}

func (c *Client) ListReviews(ctx context.Context, taskID string) ([]domain.Review, error) {
	var resp items[domain.Review]
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/reviews", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateWorkUpdate(ctx context.Context, taskID, text string) (domain.WorkUpdate, error) {
	var resp domain.WorkUpdate
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/work-updates", map[string]any{"comment": text}, &resp)
	return resp, err
}

func (c *Client) ListWorkUpdates(ctx context.Context, taskID string) ([]domain.WorkUpdate, error) {
	var resp items[domain.WorkUpdate]
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/work-updates", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateDeliverable(ctx context.Context, taskID string, in store.DeliverableInput) (domain.Deliverable, error) {
	body := map[string]any{"title": in.Title, "description": in.Description, "file_ref": in.FileRef}
	var resp domain.Deliverable
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/deliverables", body, &resp)
	return resp, err
}

func (c *Client) DeleteDeliverable(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "deliverables/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListDeliverables(ctx context.Context, taskID string) ([]domain.Deliverable, error) {
	var resp items[domain.Deliverable]
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/deliverables", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateChecklist(ctx context.Context, taskID string, texts []string) ([]domain.ChecklistItem, error) {
	var resp items[domain.ChecklistItem]
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/checklist", map[string]any{"items": texts}, &resp)
	return resp.Items, err
}

func (c *Client) ListChecklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error) {
	var resp items[domain.ChecklistItem]
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/checklist", nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateChecklistItem(ctx context.Context, itemID string, checked bool) (domain.ChecklistItem, error) {
	var resp domain.ChecklistItem
	err := c.do(ctx, http.MethodPatch, "checklist/"+url.PathEscape(itemID), map[string]any{"checked": checked}, &resp)
	return resp, err
}

func (c *Client) CountEvidence(ctx context.Context, taskID string) (domain.Evidence, error) {
	var resp domain.Evidence
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/evidence", nil, &resp)
	return resp, err
}

func (c *Client) ListProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	var resp items[domain.Membership]
	if err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/members", nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Items))
	for _, m := range resp.Items {
		ids = append(ids, m.ActorID)
	}
	return ids, nil
}

// Stream subscribes to change events. The channel closes when ctx is done or
// the connection drops; callers reconnect and refetch.
func (c *Client) Stream(ctx context.Context, projectID string) (<-chan domain.ChangeEvent, error) {
	endpoint := "events/stream"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Streams outlive any request timeout.
	resp, err := (&http.Client{Transport: c.httpClient().Transport}).Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.ReasonTransport, err, "open event stream")
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	out := make(chan domain.ChangeEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, out)
	}()
	return out, nil
}

// readEvents parses a text/event-stream body, one JSON event per data field.
func readEvents(ctx context.Context, r io.Reader, out chan<- domain.ChangeEvent) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev domain.ChangeEvent
			err := json.Unmarshal([]byte(data.String()), &ev)
			data.Reset()
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return domain.Wrap(domain.ReasonTransport, err, fmt.Sprintf("%s %s", method, endpoint))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return domain.Wrap(domain.ReasonTransport, err, "decode response")
		}
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
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

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
