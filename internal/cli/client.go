package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/me/tiersched/internal/scheduler"
	"github.com/me/tiersched/pkg/model"
)

// Client talks to the admin API of a running tiersched server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an admin API client for the server at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    &http.Client{},
		logger:  logger,
	}
}

// Health is the scheduler state reported by the server.
type Health struct {
	Scheduler string            `json:"scheduler"`
	Store     string            `json:"store"`
	Uptime    string            `json:"uptime"`
	Backends  map[string]string `json:"backends"`
}

// CompileRequest asks the server to compile a unit.
type CompileRequest struct {
	Tier     model.Tier `json:"tier"`
	Entry    string     `json:"entry,omitempty"`
	OSRIndex int        `json:"osr_index,omitempty"`
	Blocking bool       `json:"blocking"`
}

// CompileResult identifies the created task. State and Error are set for
// blocking requests.
type CompileResult struct {
	TaskID uint64          `json:"task_id"`
	State  model.TaskState `json:"state"`
	Error  string          `json:"error"`
}

// Health returns the scheduler state.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	_, err := c.call(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Classes returns the queue and pool of every backend class.
func (c *Client) Classes(ctx context.Context) ([]model.ClassInfo, error) {
	var classes []model.ClassInfo
	_, err := c.call(ctx, http.MethodGet, "/classes", nil, &classes)
	return classes, err
}

// Stats returns the scheduler counters.
func (c *Client) Stats(ctx context.Context) (scheduler.StatsSnapshot, error) {
	var snap scheduler.StatsSnapshot
	_, err := c.call(ctx, http.MethodGet, "/stats", nil, &snap)
	return snap, err
}

// SetWorkers changes the maximum worker count of a class.
func (c *Client) SetWorkers(ctx context.Context, class string, n int) (model.ClassInfo, error) {
	var info model.ClassInfo
	body := map[string]int{"max_workers": n}
	_, err := c.call(ctx, http.MethodPut, "/classes/"+url.PathEscape(class)+"/workers", body, &info)
	return info, err
}

// Compile requests a compilation of a unit. A blocking request returns once
// the server's wait ended.
func (c *Client) Compile(ctx context.Context, unit model.UnitID, req CompileRequest) (CompileResult, error) {
	var res CompileResult
	path := "/units/" + strconv.FormatUint(uint64(unit), 10) + "/compile"
	_, err := c.call(ctx, http.MethodPost, path, req, &res)
	return res, err
}

// Runs lists recorded runs, newest first.
func (c *Client) Runs(ctx context.Context) ([]model.Run, *model.Pagination, error) {
	var runs []model.Run
	pg, err := c.call(ctx, http.MethodGet, "/runs", nil, &runs)
	return runs, pg, err
}

// History lists retired tasks. An empty RunID selects the server's run.
func (c *Client) History(ctx context.Context, opts model.ListOptions) ([]model.CompileRecord, *model.Pagination, error) {
	q := url.Values{}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("offset", strconv.Itoa(opts.Offset))

	var recs []model.CompileRecord
	pg, err := c.call(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &recs)
	return recs, pg, err
}

// RunSummary counts the retired tasks of a run.
func (c *Client) RunSummary(ctx context.Context, runID string) (model.RunSummary, error) {
	var sum model.RunSummary
	_, err := c.call(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/summary", nil, &sum)
	return sum, err
}

// envelope is the response wrapper every endpoint uses.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// call sends body as JSON and decodes the envelope's data into out. An error
// envelope is returned as its *model.APIError.
func (c *Client) call(ctx context.Context, method, path string, body, out any) (*model.Pagination, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	c.logger.Debug("admin api", "method", method, "path", path,
		"status", resp.StatusCode, "request_id", env.RequestID)

	if env.Error != nil {
		return nil, env.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("parse %s data: %w", path, err)
		}
	}
	return env.Pagination, nil
}
