// Package client is the typed Go client of the weft HTTP API. The CLI
// job commands, the machine aggregator, and the MCP facade all reach the
// server through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/internal/httpclient"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

// DefaultTimeout bounds one request/response cycle. Streaming requests
// use a separate client with no overall deadline.
const DefaultTimeout = 30 * time.Second

// Client talks to a weft server's HTTP API.
type Client struct {
	baseURL string
	http    *httpclient.SaferClient
	stream  *httpclient.SaferClient
}

// New builds a client for the server at baseURL, e.g. "http://localhost:7770".
// Weft servers routinely live on localhost or a LAN, so private addresses
// stay reachable; scheme and redirect validation still apply.
func New(baseURL string) *Client {
	blockPrivate := false
	opts := httpclient.SaferClientOptions{BlockPrivateIP: &blockPrivate}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.NewSaferClientWithOptions(DefaultTimeout, opts),
		stream:  httpclient.NewSaferClientWithOptions(0, opts),
	}
}

// BaseURL returns the server address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health is the /health response.
type Health struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Version string `json:"version"`
	Time    int64  `json:"time"`
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// SubmitResult acknowledges an accepted submission.
type SubmitResult struct {
	JobID  string       `json:"job_id"`
	Status queue.Status `json:"status"`
}

// Submit enqueues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req *queue.SubmitRequest) (*SubmitResult, error) {
	var res SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// JobRecord is a job with its live queue position attached. The position
// is only meaningful while the job is queued.
type JobRecord struct {
	queue.Job
	QueuePosition int `json:"queue_position,omitempty"`
}

// Job fetches one job record.
func (c *Client) Job(ctx context.Context, jobID string) (*JobRecord, error) {
	var rec JobRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListOptions filters a job listing. Zero values mean no filter; Limit 0
// takes the server default.
type ListOptions struct {
	Status     []queue.Status
	CustomerID string
	WorkflowID string
	WorkerID   string
	Limit      int
	Offset     int
}

func (o ListOptions) query() string {
	q := url.Values{}
	if len(o.Status) > 0 {
		parts := make([]string, len(o.Status))
		for i, st := range o.Status {
			parts[i] = string(st)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if o.CustomerID != "" {
		q.Set("customer_id", o.CustomerID)
	}
	if o.WorkflowID != "" {
		q.Set("workflow_id", o.WorkflowID)
	}
	if o.WorkerID != "" {
		q.Set("worker_id", o.WorkerID)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Jobs lists jobs newest-first.
func (c *Client) Jobs(ctx context.Context, opts ListOptions) ([]*queue.Job, error) {
	var res struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs"+opts.query(), nil, &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

// CancelResult reports a cancellation outcome. Cancelled false with a
// terminal job means the job finished before the cancel landed.
type CancelResult struct {
	Job       *queue.Job `json:"job"`
	Cancelled bool       `json:"cancelled"`
}

// Cancel cancels a job. The server propagates the cancel to the owning
// worker when one is attached.
func (c *Client) Cancel(ctx context.Context, jobID, reason string) (*CancelResult, error) {
	body := map[string]string{"reason": reason}
	var res CancelResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stats fetches the queue snapshot.
func (c *Client) Stats(ctx context.Context) (*wire.StatsPayload, error) {
	var stats wire.StatsPayload
	if err := c.doJSON(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Workers lists the worker registry.
func (c *Client) Workers(ctx context.Context) ([]*queue.Worker, error) {
	var res struct {
		Workers []*queue.Worker `json:"workers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/workers", nil, &res); err != nil {
		return nil, err
	}
	return res.Workers, nil
}

// Machines lists live machine snapshots.
func (c *Client) Machines(ctx context.Context) ([]*queue.Machine, error) {
	var res struct {
		Machines []*queue.Machine `json:"machines"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/machines", nil, &res); err != nil {
		return nil, err
	}
	return res.Machines, nil
}

// doJSON rounds one request through the API and decodes the response
// into out. Non-2xx statuses come back as sentinel-tagged errors.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrapf(err, "building %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, readAPIError(resp.Body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	return nil
}

// readAPIError extracts the message from an {"error": ...} body.
func readAPIError(r io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&e); err != nil {
		return ""
	}
	return e.Error
}

// apiError maps an HTTP status onto the queue error sentinels, so callers
// can errors.Is a remote failure the same way they would a local one. The
// server's message already reads like a queue error, so it is kept
// verbatim and only marked.
func apiError(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound:
		return errors.Mark(errors.New(message), errors.ErrNotFound)
	case status == http.StatusBadRequest:
		return errors.Mark(errors.New(message), errors.ErrInvalidRequest)
	case status == http.StatusConflict:
		return errors.Mark(errors.New(message), errors.ErrConflict)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Mark(errors.New(message), errors.ErrServiceUnavailable)
	default:
		return errors.Newf("server returned %d: %s", status, message)
	}
}
