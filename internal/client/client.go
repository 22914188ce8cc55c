package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/GoFFT/internal/api"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to a running analysis server.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries uint64
	retryBase  time.Duration
}

// New returns a client for baseURL. Transport failures and 5xx responses are
// retried up to maxRetries times with exponential backoff.
func New(baseURL string, timeout time.Duration, maxRetries uint64) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryBase:  100 * time.Millisecond,
	}
}

// BaseURL returns the normalized server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Summary fetches the latest peak summary.
func (c *Client) Summary(ctx context.Context) (api.DataResponse, error) {
	var out api.DataResponse
	err := c.do(ctx, http.MethodGet, "/api/fft/data", nil, &out)
	return out, err
}

// Raw fetches the latest plotting data.
func (c *Client) Raw(ctx context.Context) (api.RawResponse, error) {
	var out api.RawResponse
	err := c.do(ctx, http.MethodGet, "/api/fft/raw", nil, &out)
	return out, err
}

// Status fetches the server health report.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Start asks the server to start analysis and reports whether it transitioned.
func (c *Client) Start(ctx context.Context) (bool, error) {
	var out api.ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/fft/start", nil, &out)
	return out.Success, err
}

// Stop asks the server to stop analysis and reports whether it transitioned.
func (c *Client) Stop(ctx context.Context) (bool, error) {
	var out api.ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/fft/stop", nil, &out)
	return out.Success, err
}

// UpdateSettings posts a partial settings update.
func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	var out api.ActionResponse
	return c.do(ctx, http.MethodPost, "/api/fft/settings", body, &out)
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryBase
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.maxRetries), ctx)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			statusErr := &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
			if resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}

	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts the message of an ActionResponse body, falling back
// to the raw text.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var ack api.ActionResponse
	if json.Unmarshal(raw, &ack) == nil && ack.Message != "" {
		return ack.Message
	}
	return strings.TrimSpace(string(raw))
}
