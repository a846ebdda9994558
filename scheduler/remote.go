package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Remote schedules tasks on a schedule service over HTTP.
type Remote struct {
	baseURL string
	http    *http.Client
	apiKey  string
	header  string
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(r *Remote) {
		if hc != nil {
			r.http = hc
		}
	}
}

// WithAPIKey sends key in header on every request. An empty header uses
// DefaultAPIKeyHeader.
func WithAPIKey(header, key string) RemoteOption {
	return func(r *Remote) {
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		r.header = header
		r.apiKey = key
	}
}

// NewRemote creates a client of the schedule service at baseURL.
func NewRemote(baseURL string, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("scheduler: invalid service url %q", baseURL)
	}
	r := &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		header:  DefaultAPIKeyHeader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Schedule submits task and returns the ID assigned by the service.
func (r *Remote) Schedule(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal task: %w", err)
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := r.do(ctx, http.MethodPost, "/schedule", body, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", errors.New("scheduler: service returned no task id")
	}
	return resp.TaskID, nil
}

// Cancel cancels the task with id. Unknown ids are not an error.
func (r *Remote) Cancel(ctx context.Context, id string) error {
	err := r.do(ctx, http.MethodDelete, "/schedule/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	return err
}

// Get returns the task with id.
func (r *Remote) Get(ctx context.Context, id string) (Task, error) {
	var t Task
	err := r.do(ctx, http.MethodGet, "/schedule/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (r *Remote) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("scheduler: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set(r.header, r.apiKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return fmt.Errorf("scheduler: %s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scheduler: decode response: %w", err)
	}
	return nil
}

var _ Scheduler = (*Remote)(nil)
