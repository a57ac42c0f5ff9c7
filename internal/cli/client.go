package cli

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

	"quantpilot/pkg/types"
)

// Client calls the control API of a running daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API at base.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

// APIError is a non-2xx response decoded from types.ErrorResponse.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("server returned %d: %s", e.Status, e.Message) }

// Do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var er types.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: er.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var s types.StatusResponse
	err := c.Do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

func (c *Client) Queue(ctx context.Context, status string, limit int) ([]types.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/queue"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var r types.QueueResponse
	err := c.Do(ctx, http.MethodGet, path, nil, &r)
	return r.Jobs, err
}

func (c *Client) Enqueue(ctx context.Context, req types.EnqueueRequest) (string, error) {
	var r types.EnqueueResponse
	err := c.Do(ctx, http.MethodPost, "/queue", req, &r)
	return r.JobID, err
}

func (c *Client) Populate(ctx context.Context) ([]string, error) {
	var r types.PopulateResponse
	err := c.Do(ctx, http.MethodPost, "/queue/populate", nil, &r)
	return r.Enqueued, err
}

func (c *Client) Job(ctx context.Context, id string) (types.Job, error) {
	var j types.Job
	err := c.Do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j)
	return j, err
}

func (c *Client) Runs(ctx context.Context, limit int) ([]types.Run, error) {
	path := "/runs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var r types.RunsResponse
	err := c.Do(ctx, http.MethodGet, path, nil, &r)
	return r.Runs, err
}

func (c *Client) Start(ctx context.Context) (types.StatusResponse, error) {
	var s types.StatusResponse
	err := c.Do(ctx, http.MethodPost, "/start", nil, &s)
	return s, err
}

func (c *Client) Stop(ctx context.Context) (types.StatusResponse, error) {
	var s types.StatusResponse
	err := c.Do(ctx, http.MethodPost, "/stop", nil, &s)
	return s, err
}

// Estop engages (on) or releases the emergency stop.
func (c *Client) Estop(ctx context.Context, on bool, reason string) (bool, error) {
	var r types.EstopResponse
	if on {
		err := c.Do(ctx, http.MethodPost, "/estop", types.EstopRequest{Reason: reason}, &r)
		return r.Engaged, err
	}
	err := c.Do(ctx, http.MethodDelete, "/estop", nil, &r)
	return r.Engaged, err
}

func (c *Client) Deploy(ctx context.Context, path string) (types.DeployResponse, error) {
	var r types.DeployResponse
	err := c.Do(ctx, http.MethodPost, "/deploy", types.DeployRequest{CandidatePath: path}, &r)
	return r, err
}

func (c *Client) Restore(ctx context.Context, backupID string) (types.DeployResponse, error) {
	var r types.DeployResponse
	err := c.Do(ctx, http.MethodPost, "/restore", types.RestoreRequest{BackupID: backupID}, &r)
	return r, err
}

func (c *Client) Backups(ctx context.Context) (types.BackupsResponse, error) {
	var r types.BackupsResponse
	err := c.Do(ctx, http.MethodGet, "/backups", nil, &r)
	return r, err
}

func (c *Client) Review(ctx context.Context, candidate string) (types.ReviewResponse, error) {
	var r types.ReviewResponse
	err := c.Do(ctx, http.MethodGet, "/review/"+url.PathEscape(candidate), nil, &r)
	return r, err
}

func (c *Client) Rate(ctx context.Context, req types.RatingRequest) (int64, error) {
	var r types.RatingResponse
	err := c.Do(ctx, http.MethodPost, "/ratings", req, &r)
	return r.ID, err
}

func (c *Client) Evaluate(ctx context.Context, req types.EvaluateRequest) ([]types.EvaluationResult, error) {
	var r types.EvaluateResponse
	err := c.Do(ctx, http.MethodPost, "/evaluate", req, &r)
	return r.Results, err
}
