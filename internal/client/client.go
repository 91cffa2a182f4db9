// Package client provides an HTTP client for the extraction service.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"resty.dev/v3"
)

// DefaultBaseURL is used when neither Options nor the environment name one.
const DefaultBaseURL = "http://localhost:8000/api"

// ErrRejected is returned when the service answers a submission with an error body.
var ErrRejected = errors.New("submission rejected")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: %d %s - %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond caps outgoing requests across all tasks. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int

	// CacheTTL is how long checkCache answers are reused. Zero disables reuse.
	CacheTTL time.Duration

	// Location is the zone of the service's zone-less timestamps. Nil means UTC.
	Location *time.Location
}

// Client talks to the extraction service.
type Client struct {
	baseURL string
	http    *resty.Client
	limiter  *rate.Limiter
	cache    *cache.Cache
	location *time.Location
}

// New creates a client.
// If BaseURL is empty, uses FACTGRAPH_API_URL or DefaultBaseURL.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("FACTGRAPH_API_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	var memo *cache.Cache
	if opts.CacheTTL > 0 {
		memo = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}

	hc := resty.New()
	hc.SetBaseURL(baseURL)
	hc.SetTimeout(timeout)
	hc.SetHeader("Accept", "application/json")

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Client{
		baseURL:  baseURL,
		http:     hc,
		limiter:  rate.NewLimiter(limit, burst),
		cache:    memo,
		location: loc,
	}
}

// BaseURL returns the service address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// do sends one request, waiting for the rate limiter first.
func (c *Client) do(ctx context.Context, method, path string, build func(*resty.Request), result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req := c.http.R().SetContext(ctx)
	if result != nil {
		req.SetResult(result)
	}
	if build != nil {
		build(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// =============================================================================
// TASK OPERATIONS
// =============================================================================

type createTaskRequest struct {
	Input string `json:"input"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// CreateTask submits input for background extraction and returns the task id.
func (c *Client) CreateTask(ctx context.Context, input string) (string, error) {
	var out createTaskResponse
	err := c.do(ctx, http.MethodPost, "/createTask", func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(createTaskRequest{Input: input})
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("create task: empty task id in response")
	}
	return out.TaskID, nil
}

// GetTask fetches the current record of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	err := c.do(ctx, http.MethodGet, "/task/{task_id}", func(r *resty.Request) {
		r.SetPathParam("task_id", taskID)
	}, &rec)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if rec.TaskID == "" {
		rec.TaskID = taskID
	}
	rec.Localize(c.location)
	return &rec, nil
}

// CheckCache asks whether content for key was already processed.
// Answers are reused for the configured CacheTTL.
func (c *Client) CheckCache(ctx context.Context, key string) (*CacheResult, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			res := v.(CacheResult)
			return &res, nil
		}
	}

	var res CacheResult
	err := c.do(ctx, http.MethodGet, "/checkCache", func(r *resty.Request) {
		r.SetQueryParam("key", key)
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("check cache: %w", err)
	}

	if c.cache != nil {
		c.cache.Set(key, res, cache.DefaultExpiration)
	}
	return &res, nil
}

// ForgetCache drops a memoized checkCache answer.
func (c *Client) ForgetCache(key string) {
	if c.cache != nil {
		c.cache.Delete(key)
	}
}

// ListSources fetches the authoritative source list.
func (c *Client) ListSources(ctx context.Context) ([]SourceEntry, error) {
	var sources []SourceEntry
	if err := c.do(ctx, http.MethodGet, "/sourceList", nil, &sources); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	if sources == nil {
		sources = []SourceEntry{}
	}
	return sources, nil
}

// Preview fetches cached page metadata for a URL without submitting it.
func (c *Client) Preview(ctx context.Context, pageURL string) (*PagePreview, error) {
	var p PagePreview
	err := c.do(ctx, http.MethodGet, "/preview", func(r *resty.Request) {
		r.SetQueryParam("url", pageURL)
	}, &p)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	return &p, nil
}
