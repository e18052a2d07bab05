// internal/jobsapi/client.go
package jobsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultPrefix  = "/api/v1/queue"
)

var ErrNotFound = errors.New("not found")

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

type TaskSummary struct {
	TaskID           string            `json:"task_id"`
	JobID            string            `json:"job_id,omitempty"`
	Status           schema.TaskStatus `json:"status"`
	AdapterName      string            `json:"adapter_name,omitempty"`
	TaskType         string            `json:"task_type,omitempty"`
	ProcessingTimeMs *float64          `json:"processing_time_ms,omitempty"`
	Error            string            `json:"error,omitempty"`
	CreatedAt        float64           `json:"created_at,omitempty"`
	FinishedAt       float64           `json:"finished_at,omitempty"`
	Output           json.RawMessage   `json:"output_json,omitempty"`
}

type JobSummary struct {
	JobID           string           `json:"job_id"`
	Status          schema.JobStatus `json:"status"`
	AdapterName     string           `json:"adapter_name,omitempty"`
	JobType         string           `json:"job_type,omitempty"`
	TotalTasks      int              `json:"total_tasks"`
	CompletedTasks  int              `json:"completed_tasks"`
	FailedTasks     int              `json:"failed_tasks"`
	ProgressPercent float64          `json:"progress_percent"`
	CreatedAt       float64          `json:"created_at,omitempty"`
}

// JobDetail is a job with its constituent tasks and their current status.
type JobDetail struct {
	Job   JobSummary    `json:"job"`
	Tasks []TaskSummary `json:"tasks"`
}

type JobList struct {
	Jobs  []JobSummary `json:"jobs"`
	Total int          `json:"total"`
}

type ListOptions struct {
	Limit  int
	Offset int
	Status string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithPrefix(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.prefix = "/" + strings.Trim(p, "/")
		}
	}
}

// Client talks to the job-management REST surface. It is independent of
// the push channel, so cancellation keeps working while it is down.
type Client struct {
	base    string
	prefix  string
	hc      *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		prefix:  DefaultPrefix,
		hc:      http.DefaultClient,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CancelTask requests cancellation of one task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

// GetJob fetches a job and its task list.
func (c *Client) GetJob(ctx context.Context, jobID string) (JobDetail, error) {
	var out JobDetail
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (TaskSummary, error) {
	var out TaskSummary
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// ListJobs pages through the server's job history.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (JobList, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	var out JobList
	err := c.do(ctx, http.MethodGet, "/jobs", q, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.base + c.prefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
