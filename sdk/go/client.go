package flowkernelsdk

import (
	"bytes"
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
)

// Client is a minimal flowkernel HTTP API client for job workers and task
// applications.
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
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Record is a committed record as the API returns it.
type Record struct {
	Position        int64           `json:"position"`
	SourcePosition  int64           `json:"sourceRecordPosition,omitempty"`
	Key             int64           `json:"key"`
	Timestamp       int64           `json:"timestamp"`
	RecordType      string          `json:"recordType"`
	ValueType       string          `json:"valueType"`
	Intent          string          `json:"intent"`
	RejectionType   string          `json:"rejectionType,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	Principal       string          `json:"principal,omitempty"`
	Value           json.RawMessage `json:"value"`
}

// Job is an activated job.
type Job struct {
	Type              string         `json:"type"`
	Kind              string         `json:"jobKind"`
	ListenerEventType string         `json:"listenerEventType,omitempty"`
	Retries           int            `json:"retries"`
	Worker            string         `json:"worker,omitempty"`
	Deadline          int64          `json:"deadline,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
	BpmnProcessID     string         `json:"bpmnProcessId"`
	ElementID         string         `json:"elementId,omitempty"`
	UserTaskKey       int64          `json:"userTaskKey,omitempty"`
}

// ActivatedJob pairs a job with the key used to complete or fail it.
type ActivatedJob struct {
	Key int64
	Job
}

// JobResult lets a task listener deny the lifecycle transition or correct
// task attributes.
type JobResult struct {
	Denied              bool           `json:"denied,omitempty"`
	Corrections         map[string]any `json:"corrections,omitempty"`
	CorrectedAttributes []string       `json:"correctedAttributes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode    int
	Code          string
	Message       string
	RejectionType string
	Body          string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRejection reports whether err is a command rejection of the given type.
func IsRejection(err error, rejectionType string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RejectionType == rejectionType
}

// PaginatedRecords wraps record listings with cursors.
type PaginatedRecords struct {
	Items      []Record `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// CreateJob creates a job and returns its key.
func (c *Client) CreateJob(ctx context.Context, jobType string, retries int, variables map[string]any) (int64, error) {
	body := map[string]any{
		"type":      jobType,
		"retries":   retries,
		"variables": variables,
	}
	var resp Record
	if err := c.do(ctx, http.MethodPost, "jobs", body, &resp); err != nil {
		return 0, err
	}
	return resp.Key, nil
}

// ActivateJobs activates up to max jobs of jobType for timeout. With wait
// set the server holds the request until a job is available or wait passes.
func (c *Client) ActivateJobs(ctx context.Context, jobType, worker string, max int, timeout, wait time.Duration) ([]ActivatedJob, error) {
	body := map[string]any{
		"type":              jobType,
		"worker":            worker,
		"timeout":           timeout.Milliseconds(),
		"maxJobsToActivate": max,
	}
	if wait > 0 {
		body["requestTimeout"] = wait.Milliseconds()
	}
	var resp struct {
		Value struct {
			JobKeys []int64 `json:"jobKeys"`
			Jobs    []Job   `json:"jobs"`
		} `json:"value"`
	}
	if err := c.do(ctx, http.MethodPost, "jobs/activation", body, &resp); err != nil {
		return nil, err
	}
	out := make([]ActivatedJob, 0, len(resp.Value.JobKeys))
	for i, key := range resp.Value.JobKeys {
		if i < len(resp.Value.Jobs) {
			out = append(out, ActivatedJob{Key: key, Job: resp.Value.Jobs[i]})
		}
	}
	return out, nil
}

// CompleteJob completes an activated job.
func (c *Client) CompleteJob(ctx context.Context, key int64, variables map[string]any, result *JobResult) error {
	body := map[string]any{}
	if variables != nil {
		body["variables"] = variables
	}
	if result != nil {
		body["result"] = result
	}
	return c.do(ctx, http.MethodPost, "jobs/"+strconv.FormatInt(key, 10)+"/completion", body, nil)
}

// FailJob fails an activated job, leaving it the given retries.
func (c *Client) FailJob(ctx context.Context, key int64, retries int, message string) error {
	body := map[string]any{
		"retries":      retries,
		"errorMessage": message,
	}
	return c.do(ctx, http.MethodPost, "jobs/"+strconv.FormatInt(key, 10)+"/failure", body, nil)
}

// CreateUserTask creates a user task and returns its key.
func (c *Client) CreateUserTask(ctx context.Context, task map[string]any) (int64, error) {
	var resp Record
	if err := c.do(ctx, http.MethodPost, "user-tasks", task, &resp); err != nil {
		return 0, err
	}
	return resp.Key, nil
}

// CompleteUserTask completes a user task. It returns once the completing
// task listeners have finished.
func (c *Client) CompleteUserTask(ctx context.Context, key int64, variables map[string]any) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "user-tasks/"+strconv.FormatInt(key, 10)+"/completion", map[string]any{"variables": variables}, &resp)
	return resp, err
}

// RecordsPage returns committed records after cursor.
func (c *Client) RecordsPage(ctx context.Context, limit int, cursor string) (PaginatedRecords, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "records"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRecords
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Handler works one job. Returning an error fails the job with one retry
// less.
type Handler func(ctx context.Context, job ActivatedJob) (map[string]any, *JobResult, error)

// Work activates jobs of jobType one at a time and hands them to h until
// ctx is done.
func (c *Client) Work(ctx context.Context, jobType, worker string, timeout time.Duration, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		jobs, err := c.ActivateJobs(ctx, jobType, worker, 1, timeout, 10*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, job := range jobs {
			vars, result, herr := h(ctx, job)
			if herr != nil {
				err = c.FailJob(ctx, job.Key, max(job.Retries-1, 0), herr.Error())
			} else {
				err = c.CompleteJob(ctx, job.Key, vars, result)
			}
			if err != nil && !IsRejection(err, "NOT_FOUND") {
				return err
			}
		}
	}
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return parseError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func parseError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if rt, ok := envelope.Error.Details["rejectionType"].(string); ok {
			apiErr.RejectionType = rt
		}
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
