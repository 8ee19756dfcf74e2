package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
)

// HTTPClient implements Client over HTTP/JSON.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP upstream client. timeout bounds the
// whole request including body read; per-attempt deadlines from the
// retry executor come in through ctx and may be shorter.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BaseURL returns the configured upstream base URL.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

func (c *HTTPClient) Do(ctx context.Context, op *domain.Operation) (*Response, error) {
	url := c.baseURL + "/" + strings.TrimLeft(op.Target, "/")

	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, string(op.Verb), url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(domain.IdempotencyHeader, op.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Status:     resp.StatusCode,
			Body:       truncate(string(data), 512),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
