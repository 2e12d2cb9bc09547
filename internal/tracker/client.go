// Package tracker is a client for the task tracker's REST API. It
// covers the task, list, and time tracking endpoints the assistant
// needs, and classifies API failures into the sentinel errors the
// dispatcher understands.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/calyptra/attache/internal/httpkit"
	"github.com/calyptra/attache/internal/tools"
)

const defaultBaseURL = "https://api.clickup.com/api/v2"

// Client talks to the tracker API.
type Client struct {
	baseURL    string
	token      string
	teamID     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a tracker client. baseURL may be empty for the
// public API.
func NewClient(baseURL, token, teamID string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		teamID:  teamID,
		logger:  logger.With("component", "tracker"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// do performs one API request, decoding the JSON response into out
// when out is non-nil. Status codes map onto the dispatcher's
// sentinels: 401/403 is a permission problem, 404 means the entity
// does not exist, and 5xx or transport failures are upstream trouble.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("api request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, tools.ErrUpstream)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		httpkit.DrainAndClose(resp.Body, 4096)
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, tools.ErrPermissionDenied)
	case resp.StatusCode == http.StatusNotFound:
		httpkit.DrainAndClose(resp.Body, 4096)
		return fmt.Errorf("%s %s: %w", method, path, tools.ErrNotFound)
	case resp.StatusCode >= 500:
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, errBody, tools.ErrUpstream)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, errBody)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// ListTasksOptions filter TasksByList.
type ListTasksOptions struct {
	IncludeClosed bool
	Subtasks      bool
	Statuses      []string
	Assignees     []string
	UpdatedAfter  time.Time
	Page          int
}

func (o ListTasksOptions) query() url.Values {
	q := url.Values{}
	if o.IncludeClosed {
		q.Set("include_closed", "true")
	}
	if o.Subtasks {
		q.Set("subtasks", "true")
	}
	for _, s := range o.Statuses {
		q.Add("statuses[]", s)
	}
	for _, a := range o.Assignees {
		q.Add("assignees[]", a)
	}
	if !o.UpdatedAfter.IsZero() {
		q.Set("date_updated_gt", strconv.FormatInt(o.UpdatedAfter.UnixMilli(), 10))
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	return q
}

// TasksByList returns the tasks in a list.
func (c *Client) TasksByList(ctx context.Context, listID string, opts ListTasksOptions) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/list/"+listID+"/task", opts.query(), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// TasksUpdatedSince returns tasks updated in the last hoursAgo hours,
// including closed tasks and subtasks so nothing recent is missed.
func (c *Client) TasksUpdatedSince(ctx context.Context, listID string, hoursAgo int) ([]Task, error) {
	if hoursAgo <= 0 {
		hoursAgo = 24
	}
	return c.TasksByList(ctx, listID, ListTasksOptions{
		IncludeClosed: true,
		Subtasks:      true,
		UpdatedAfter:  time.Now().Add(-time.Duration(hoursAgo) * time.Hour),
	})
}

// NewTask is the payload for CreateTask.
type NewTask struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	DueDate     int64  `json:"due_date,omitempty"` // unix millis
	Assignees   []int  `json:"assignees,omitempty"`
}

// CreateTask creates a task in a list.
func (c *Client) CreateTask(ctx context.Context, listID string, task NewTask) (*Task, error) {
	if task.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	var created Task
	err := c.do(ctx, http.MethodPost, "/list/"+listID+"/task", nil, task, &created)
	if err != nil {
		return nil, err
	}
	c.logger.Info("task created", "list_id", listID, "task_id", created.ID, "name", created.Name)
	return &created, nil
}

// UpdateTask applies a partial update to a task. Priority values in
// updates may be names or numbers; they are normalized before sending.
func (c *Client) UpdateTask(ctx context.Context, taskID string, updates map[string]any) (*Task, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("updates must not be empty")
	}

	payload := make(map[string]any, len(updates))
	for k, v := range updates {
		payload[k] = v
	}
	if p, ok := payload["priority"]; ok {
		n, err := ParsePriority(p)
		if err != nil {
			return nil, err
		}
		payload["priority"] = n
	}
	// The API expects assignee changes as {add: [...], rem: [...]}.
	if a, ok := payload["assignees"].([]any); ok {
		payload["assignees"] = map[string]any{"add": a}
	}

	var updated Task
	err := c.do(ctx, http.MethodPut, "/task/"+taskID, nil, payload, &updated)
	if err != nil {
		return nil, err
	}
	c.logger.Info("task updated", "task_id", taskID)
	return &updated, nil
}

// TaskDetail returns one task with full metadata.
func (c *Client) TaskDetail(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/task/"+taskID, nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListDetail returns a list with its available statuses.
func (c *Client) ListDetail(ctx context.Context, listID string) (*List, error) {
	var list List
	if err := c.do(ctx, http.MethodGet, "/list/"+listID, nil, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// TeamMembers returns the workspace members, used to map names to
// assignee IDs.
func (c *Client) TeamMembers(ctx context.Context) ([]Member, error) {
	var resp struct {
		Team struct {
			Members []struct {
				User Member `json:"user"`
			} `json:"members"`
		} `json:"team"`
	}
	if err := c.do(ctx, http.MethodGet, "/team/"+c.teamID, nil, nil, &resp); err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(resp.Team.Members))
	for _, m := range resp.Team.Members {
		members = append(members, m.User)
	}
	return members, nil
}

// TimeSpent aggregates time logged against a list's tasks. Times come
// from the task records themselves rather than the time entries
// endpoint, which underreports.
func (c *Client) TimeSpent(ctx context.Context, listID string, opts ListTasksOptions) (*TimeSpentReport, error) {
	tasks, err := c.TasksByList(ctx, listID, opts)
	if err != nil {
		return nil, err
	}

	report := &TimeSpentReport{TotalTasks: len(tasks)}
	for _, task := range tasks {
		if task.TimeSpent <= 0 {
			continue
		}
		hours := millisToHours(task.TimeSpent)
		report.TotalHours += hours
		report.Tasks = append(report.Tasks, TaskTime{
			ID:        task.ID,
			Name:      task.Name,
			Status:    task.Status.Status,
			Millis:    task.TimeSpent,
			Hours:     hours,
			Assignees: task.Assignees,
			URL:       task.URL,
		})
	}
	report.TotalHours = round2(report.TotalHours)
	return report, nil
}

// CreateTimeEntry logs duration against a task. durationHours is
// converted to the millisecond duration the API expects.
func (c *Client) CreateTimeEntry(ctx context.Context, taskID string, durationHours float64, description string, assigneeID int, billable bool) (*TimeEntry, error) {
	if durationHours <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %v hours", durationHours)
	}

	payload := map[string]any{
		"description": description,
		"duration":    int64(durationHours * 60 * 60 * 1000),
		"start":       time.Now().UnixMilli(),
		"billable":    billable,
		"tid":         taskID,
	}
	if assigneeID != 0 {
		payload["assignee"] = assigneeID
	}

	// The time entries endpoint wraps its response in a data object.
	var resp struct {
		Data TimeEntry `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/team/"+c.teamID+"/time_entries", nil, payload, &resp)
	if err != nil {
		return nil, err
	}
	c.logger.Info("time entry created", "task_id", taskID, "hours", durationHours)
	return &resp.Data, nil
}

// TaskTimeTracking summarizes time spent versus estimate for a task.
func (c *Client) TaskTimeTracking(ctx context.Context, taskID string) (*TimeTracking, error) {
	task, err := c.TaskDetail(ctx, taskID)
	if err != nil {
		return nil, err
	}

	spent := millisToHours(task.TimeSpent)
	estimate := millisToHours(task.TimeEstimate)

	tt := &TimeTracking{
		TaskID:        task.ID,
		TaskName:      task.Name,
		SpentHours:    spent,
		EstimateHours: estimate,
	}
	if estimate > 0 {
		tt.ProgressPercent = round1(spent / estimate * 100)
		if remaining := estimate - spent; remaining > 0 {
			tt.RemainingHours = round2(remaining)
		}
	}
	return tt, nil
}

// ParsePriority normalizes a priority name or number to the API's 1-4
// scale (1 urgent, 4 low).
func ParsePriority(v any) (int, error) {
	switch p := v.(type) {
	case string:
		switch p {
		case "urgent":
			return 1, nil
		case "high":
			return 2, nil
		case "normal":
			return 3, nil
		case "low":
			return 4, nil
		}
		return 0, fmt.Errorf("unknown priority %q (use urgent, high, normal, or low)", p)
	case int:
		if p >= 1 && p <= 4 {
			return p, nil
		}
	case float64:
		n := int(p)
		if float64(n) == p && n >= 1 && n <= 4 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("priority must be a name or a number 1-4, got %v", v)
}

func millisToHours(ms int64) float64 {
	return round2(float64(ms) / (1000 * 60 * 60))
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
