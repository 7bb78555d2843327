// Package provider holds what the GitHub and Microsoft collectors share:
// a JSON-over-HTTP client with bounded timeouts and no retries, the API
// error type, and the Source contract consumed by the orchestrator.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// Source collects evidence for one provider. Collect never returns an
// error: every failure is expressed as an evidence.Failure.
type Source interface {
	Provider() evidence.Provider
	Collect(ctx context.Context, accountID string) evidence.Result
}

// ErrForbidden matches any APIError with status 401 or 403.
var ErrForbidden = errors.New("forbidden")

// maxErrorBody caps how much of a provider response body is kept in errors.
const maxErrorBody = 200

// APIError is a non-2xx response from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrForbidden) match 401/403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrForbidden && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// ClientConfig configures an HTTP client for one provider API.
type ClientConfig struct {
	// Name labels errors and spans ("github", "microsoft").
	Name string
	// BaseURL is prepended to request paths.
	BaseURL string
	// Timeout bounds every call.
	Timeout time.Duration
	// RatePerSecond limits outgoing calls; zero disables limiting.
	RatePerSecond float64
	// HTTPClient overrides the default otelhttp-instrumented client.
	HTTPClient *http.Client
}

// Client performs JSON GET/POST calls against one provider API.
type Client struct {
	name    string
	baseURL string
	timeout time.Duration
	limiter *rate.Limiter
	http    *http.Client
}

// NewClient creates a Client. Calls are never retried.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		limiter: limiter,
		http:    httpClient,
	}
}

// Response is a decoded provider response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do sends one request with the client's timeout. Non-2xx statuses are
// returned as a Response, not an error, so callers can treat 404 as data.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body io.Reader) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s rate limiter: %w", c.name, err)
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", c.name, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, scrubURLError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", c.name, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// GetJSON performs a GET and decodes a 2xx body into out. 401/403 become
// an APIError with message "Forbidden"; other non-2xx statuses an APIError
// carrying a truncated response body.
func (c *Client) GetJSON(ctx context.Context, path string, header http.Header, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, header, nil)
	if err != nil {
		return err
	}
	if err := c.CheckStatus(resp); err != nil {
		return err
	}
	return c.Decode(resp, out)
}

// CheckStatus converts a non-2xx response into an APIError.
func (c *Client) CheckStatus(resp *Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{Provider: c.name, StatusCode: resp.StatusCode, Message: "Forbidden"}
	default:
		return &APIError{Provider: c.name, StatusCode: resp.StatusCode, Message: truncate(string(resp.Body), maxErrorBody)}
	}
}

// Decode unmarshals a response body.
func (c *Client) Decode(resp *Response, out any) error {
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// scrubURLError drops the request URL from transport errors; query strings
// are kept out of notes and logs.
func scrubURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// ErrorType names an error for run error tags and artifacts.
func ErrorType(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, vault.ErrDecrypt):
		return "DecryptError"
	case errors.Is(err, vault.ErrTokenExpired):
		return "TokenExpiredError"
	case errors.Is(err, vault.ErrNotConnected):
		return "NotConnectedError"
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized:
		return "UnauthorizedError"
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden:
		return "ForbiddenError"
	case errors.As(err, &apiErr):
		return "HTTPError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	default:
		return "ProviderUnavailable"
	}
}
