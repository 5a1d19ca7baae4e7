// Package client talks to the sync service over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Client is an HTTP client for the sync service.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitPacked posts a packed delta.
//
// An unsuccessful result is returned together with the error from
// Result.Err: *syncsvc.RateLimitedError or *syncsvc.RejectedError.
func (c *Client) SubmitPacked(ctx context.Context, req syncsvc.PackedSubmitRequest) (syncsvc.Result, error) {
	return c.submit(ctx, "/v1/sync/packed", req.DeviceID, req)
}

// SubmitDelta posts a JSON delta.
func (c *Client) SubmitDelta(ctx context.Context, deviceID string, d field.Delta) (syncsvc.Result, error) {
	return c.submit(ctx, "/v1/sync/delta", deviceID, syncsvc.SubmitRequest{DeviceID: deviceID, Delta: d})
}

func (c *Client) submit(ctx context.Context, path, deviceID string, body any) (syncsvc.Result, error) {
	var res syncsvc.Result
	status, err := c.do(ctx, http.MethodPost, path, body, &res)
	if err != nil {
		return syncsvc.Result{}, err
	}
	if status == http.StatusTooManyRequests && res.Error == "" {
		res.Error = syncsvc.ErrCodeRateLimited
	}
	return res, res.Err(deviceID)
}

// FetchState returns the canonical field and clock.
func (c *Client) FetchState(ctx context.Context) (syncsvc.StateView, error) {
	var view syncsvc.StateView
	if _, err := c.do(ctx, http.MethodGet, "/v1/sync/state", nil, &view); err != nil {
		return syncsvc.StateView{}, err
	}
	return view, nil
}

// FetchClock returns the canonical vector clock.
func (c *Client) FetchClock(ctx context.Context) (vclock.VectorClock, error) {
	var body struct {
		GlobalClock vclock.VectorClock `json:"globalClock"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/sync/clock", nil, &body); err != nil {
		return nil, err
	}
	return body.GlobalClock, nil
}

// FetchConflicts returns up to limit recent conflicts.
func (c *Client) FetchConflicts(ctx context.Context, limit int) ([]store.LoggedConflict, error) {
	path := "/v1/sync/conflicts"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var view syncsvc.ConflictsView
	if _, err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return view.Conflicts, nil
}

// do sends a request and decodes a JSON response body into out.
// 4xx responses with a JSON body are decoded and returned without error
// so callers can inspect the service's error code.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, &ServerError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: decode status %d: %w", method, path, resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

// ServerError reports a 5xx response.
type ServerError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Body)
}
