// Package apiclient is the HTTP client shared by the provider agents. It
// rate limits outbound calls per provider and retries transport errors,
// 429 and 5xx responses with doubling backoff. A Retry-After header on a
// retried response replaces the backoff for that attempt.
package apiclient

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

	"github.com/cuemby/sdmgr/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 200 * time.Millisecond
	defaultTimeout     = 30 * time.Second
	maxErrorBody       = 512
	maxRetryAfter      = time.Minute
)

// Config tunes a Client
type Config struct {
	// Provider labels the request metrics
	Provider string
	HTTP     *http.Client

	// RequestsPerSecond of 0 disables rate limiting
	RequestsPerSecond float64
	Burst             int

	MaxAttempts int
	Backoff     time.Duration
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client wraps an http.Client with rate limiting and retries
type Client struct {
	provider    string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
}

// New creates a client
func New(cfg Config) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Client{
		provider:    cfg.Provider,
		http:        httpClient,
		limiter:     limiter,
		maxAttempts: attempts,
		backoff:     backoff,
	}
}

func retryable(code int, err error) bool {
	if err != nil {
		return true
	}
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP
// date, capped at maxRetryAfter. ok is false when the header is absent or
// unparseable.
func retryAfter(resp *http.Response, now time.Time) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
		if d < 0 {
			d = 0
		}
	} else {
		return 0, false
	}
	return min(d, maxRetryAfter), true
}

// Do sends the request. Requests with a body are only retried when the
// body can be replayed (http.NewRequest sets GetBody for the common
// reader types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	backoff := c.backoff

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		try := req
		if attempt > 1 && req.Body != nil {
			if req.GetBody == nil {
				return nil, fmt.Errorf("cannot retry %s %s: body not replayable", req.Method, req.URL.Redacted())
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			try = req.Clone(ctx)
			try.Body = body
		}

		resp, err := c.http.Do(try)
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		c.observe(code, err)

		if attempt >= c.maxAttempts || !retryable(code, err) || ctx.Err() != nil {
			return resp, err
		}
		wait := backoff
		if d, ok := retryAfter(resp, time.Now()); ok {
			wait = d
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
}

func (c *Client) observe(code int, err error) {
	status := "error"
	if err == nil {
		status = strconv.Itoa(code)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(c.provider, status).Inc()
}

// Fetch sends a request and returns the body of a 2xx response
func (c *Client) Fetch(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return data, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return data, nil
}

// GetJSON fetches rawURL and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	data, err := c.Fetch(ctx, http.MethodGet, rawURL, header, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PostForm sends form url-encoded and returns the response body
func (c *Client) PostForm(ctx context.Context, rawURL string, header http.Header, form url.Values) ([]byte, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Fetch(ctx, http.MethodPost, rawURL, h, strings.NewReader(form.Encode()))
}

// PostJSON sends v as a JSON body and returns the response body
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	return c.Fetch(ctx, http.MethodPost, rawURL, h, bytes.NewReader(payload))
}
