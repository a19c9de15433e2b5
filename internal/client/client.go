// Package client is a typed client for the recallguard HTTP API.
package client

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
	"time"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
	"github.com/fyrsmithlabs/recallguard/internal/engine"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	api "github.com/fyrsmithlabs/recallguard/internal/http"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
	"github.com/fyrsmithlabs/recallguard/internal/store"
)

// DefaultURL is the daemon's default listen address.
const DefaultURL = "http://127.0.0.1:9470"

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one recallguard daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for baseURL, e.g. http://127.0.0.1:9470.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the daemon URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns the daemon health. A 503 is reported as an error carrying
// the engine's failure message.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingest stores a batch of experiences.
func (c *Client) Ingest(ctx context.Context, req api.IngestRequest) (*api.IngestResponse, error) {
	var out api.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/experiences", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Seed ingests a seed file.
func (c *Client) Seed(ctx context.Context, req api.SeedRequest) (*api.IngestResponse, error) {
	var out api.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/seed", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query runs a trust-filtered retrieval.
func (c *Client) Query(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	var out retrieval.Response
	if err := c.do(ctx, http.MethodPost, "/api/v1/query", nil, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches one experience.
func (c *Client) Get(ctx context.Context, id string) (*experience.Experience, error) {
	var out experience.Experience
	if err := c.do(ctx, http.MethodGet, "/api/v1/experiences/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns experiences, optionally restricted to one source.
func (c *Client) List(ctx context.Context, src experience.Source) ([]*experience.Experience, error) {
	q := url.Values{}
	if src != "" {
		q.Set("source", string(src))
	}
	var out []*experience.Experience
	if err := c.do(ctx, http.MethodGet, "/api/v1/experiences", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditTrail returns the trust trail of id, oldest first.
func (c *Client) AuditTrail(ctx context.Context, id string) ([]store.AuditEntry, error) {
	var out []store.AuditEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/experiences/"+url.PathEscape(id)+"/audit", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Flag quarantines id.
func (c *Client) Flag(ctx context.Context, id, reason string) (*experience.Experience, error) {
	return c.transition(ctx, id, "flag", api.FlagRequest{Reason: reason})
}

// Review promotes an unverified id to verified.
func (c *Client) Review(ctx context.Context, id, reviewer string) (*experience.Experience, error) {
	return c.transition(ctx, id, "review", api.ReviewRequest{Reviewer: reviewer})
}

// Recompute reapplies the decay policy to id.
func (c *Client) Recompute(ctx context.Context, id string) (*experience.Experience, error) {
	return c.transition(ctx, id, "recompute", nil)
}

func (c *Client) transition(ctx context.Context, id, action string, body interface{}) (*experience.Experience, error) {
	var out experience.Experience
	path := "/api/v1/experiences/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Purge deletes a quarantined experience.
func (c *Client) Purge(ctx context.Context, id, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/experiences/"+url.PathEscape(id), q, nil, nil)
}

// Scan runs an audit scan. A nil set uses the daemon's current patterns.
func (c *Client) Scan(ctx context.Context, set *audit.PatternSet, record bool) (*api.ScanResponse, error) {
	var out api.ScanResponse
	req := api.ScanRequest{Patterns: set, Record: record}
	if err := c.do(ctx, http.MethodPost, "/api/v1/audit/scan", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rebuild rebuilds the index from the store and returns the new version.
func (c *Client) Rebuild(ctx context.Context) (uint64, error) {
	return c.version(ctx, "/api/v1/index/rebuild")
}

// Flush indexes pending records and returns the current version.
func (c *Client) Flush(ctx context.Context) (uint64, error) {
	return c.version(ctx, "/api/v1/index/flush")
}

func (c *Client) version(ctx context.Context, path string) (uint64, error) {
	var out api.VersionResponse
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// Summary returns aggregate retrieval statistics.
func (c *Client) Summary(ctx context.Context) (*monitor.Summary, error) {
	var out monitor.Summary
	if err := c.do(ctx, http.MethodGet, "/api/v1/monitor/summary", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PoisonRate returns the poison rate over w.
func (c *Client) PoisonRate(ctx context.Context, w monitor.Window) (float64, error) {
	var out api.PoisonRateResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/monitor/poison-rate", windowQuery(w), nil, &out); err != nil {
		return 0, err
	}
	return out.PoisonRate, nil
}

// Events copies the JSON lines event stream for w into out.
func (c *Client) Events(ctx context.Context, w monitor.Window, out io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/monitor/events", windowQuery(w), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read event stream: %w", err)
	}
	return n, nil
}

// Status returns the engine status from the health endpoint.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if h.Engine == nil {
		return nil, fmt.Errorf("health response has no engine status")
	}
	return h.Engine, nil
}

func windowQuery(w monitor.Window) url.Values {
	q := url.Values{}
	if !w.From.IsZero() {
		q.Set("from", w.From.UTC().Format(time.RFC3339))
	}
	if !w.To.IsZero() {
		q.Set("to", w.To.UTC().Format(time.RFC3339))
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs the request and converts non-2xx responses to *APIError.
// The caller closes the body of a successful response.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
