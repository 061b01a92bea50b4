// Package httpretry is the HTTP client shared by provider adapters. It retries
// network failures, 429 responses (honoring Retry-After) and 5xx responses, and
// turns any final non-2xx answer into a *domain.ProviderError.
package httpretry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

const (
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	maxRetryAfter   = 30 * time.Second
)

// ErrorDecoder extracts a provider error code and message from a response body.
type ErrorDecoder func(body []byte) (code, message string)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Client wraps an *http.Client with bounded retries.
type Client struct {
	provider    string
	http        *http.Client
	maxAttempts int
	baseDelay   time.Duration
	decode      ErrorDecoder
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts sets the total number of attempts, first try included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the delay before the first retry; it doubles after each.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithErrorDecoder sets the provider-specific error body decoder.
func WithErrorDecoder(fn ErrorDecoder) Option {
	return func(c *Client) { c.decode = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSleep replaces the context-aware sleep, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a Client for the named provider. A nil httpClient gets a 10s timeout default.
func New(provider string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		provider:    provider,
		http:        httpClient,
		maxAttempts: defaultAttempts,
		baseDelay:   defaultDelay,
		logger:      slog.Default(),
		sleep:       Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "httpretry", "provider", provider)
	return c
}

// Do sends the request, retrying transient failures. The body is replayed on every
// attempt so callers pass it as bytes. On a final non-2xx status both the response
// and a *domain.ProviderError are returned.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	start := time.Now()
	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.once(ctx, method, url, body, header)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = &domain.ProviderError{
				Provider:  c.provider,
				Message:   fmt.Sprintf("network error: %v", err),
				Retryable: true,
			}
			c.logger.Warn("request failed", "attempt", attempt, "url", url, "error", err)
		} else {
			resp.Latency = time.Since(start)
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}
			perr := c.providerError(resp)
			if !perr.Retryable {
				return resp, perr
			}
			lastErr = perr
			c.logger.Warn("retryable response", "attempt", attempt, "url", url, "status", resp.StatusCode)
			if attempt == c.maxAttempts {
				return resp, perr
			}
		}

		if attempt == c.maxAttempts {
			break
		}
		wait := delay
		var perr *domain.ProviderError
		if errors.As(lastErr, &perr) && perr.RetryAfter > 0 {
			wait = perr.RetryAfter
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("httpretry: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpretry: read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (c *Client) providerError(resp *Response) *domain.ProviderError {
	code, msg := "", ""
	if c.decode != nil {
		code, msg = c.decode(resp.Body)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	perr := domain.NewProviderError(c.provider, resp.StatusCode, code, msg)
	if resp.StatusCode == http.StatusTooManyRequests {
		perr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return perr
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
// The result is capped at 30s; unparseable values yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DoJSON encodes in (when non-nil) as the request body, sends it through Do and
// decodes a 2xx body into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, url string, in any, header http.Header, out any) (*Response, error) {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("httpretry: encode request: %w", err)
		}
		body = b
	}
	if header == nil {
		header = http.Header{}
	}
	if body != nil && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, method, url, body, header)
	if err != nil {
		return resp, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("httpretry: decode %s response: %w", c.provider, err)
		}
	}
	return resp, nil
}
