// Package upstream holds the HTTP clients for the collaborators a PCF
// talks to: the online charging system, the charging gateway function and
// an optional prediction service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/searchforge/pcf/guard"
	"github.com/searchforge/pcf/internal/contract"
)

const (
	defaultTimeout  = 2 * time.Second
	defaultRetryMax = 2
	minBackoff      = 100 * time.Millisecond
	maxBackoff      = 2 * time.Second
	contentTypeJSON = "application/json"
)

// HTTPClient represents a minimal http client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx answer.
type StatusError struct {
	Upstream string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Upstream, e.Code, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	return e.Code < 500
}

// CallerFault reports a 4xx answer other than timeout or throttling: the
// upstream is healthy and refused this request.
func (e *StatusError) CallerFault() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// Client posts JSON to one collaborator with bounded retry. When a guard
// policy is attached, the whole retry sequence runs inside it.
type Client struct {
	name     string
	baseURL  string
	client   HTTPClient
	retryMax int
	policy   *guard.UpstreamPolicy
}

// NewClient creates a client for baseURL. A negative retryMax selects the default.
func NewClient(name, baseURL string, client HTTPClient, retryMax int, policy *guard.UpstreamPolicy) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("upstream name required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%s baseURL required", name)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if retryMax < 0 {
		retryMax = defaultRetryMax
	}
	return &Client{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		retryMax: retryMax,
		policy:   policy,
	}, nil
}

// Name returns the collaborator name.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) String() string {
	return fmt.Sprintf("%s_client{base=%s,retry_max=%d}", c.name, c.baseURL, c.retryMax)
}

// PostJSON sends in to path and decodes the answer into out when out is
// non-nil and the body is not empty.
//
// Errors map onto the contract taxonomy: caller cancellation or deadline
// becomes ErrTimeout, 4xx answers are returned as *StatusError, everything
// else wraps ErrUpstreamUnavailable.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", c.name, err)
	}

	call := func(ctx context.Context) error {
		b := retry.WithCappedDuration(maxBackoff, retry.NewExponential(minBackoff))
		b = retry.WithMaxRetries(uint64(c.retryMax), b)
		return retry.Do(ctx, b, func(ctx context.Context) error {
			return c.attempt(ctx, path, payload, out)
		})
	}

	if c.policy != nil {
		err = c.policy.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	return c.classify(ctx, err)
}

func (c *Client) attempt(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	if traceID, ok := contract.TraceIDFromContext(ctx); ok {
		req.Header.Set(contract.TraceIDHeader, traceID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.RetryableError(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return retry.RetryableError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		serr := &StatusError{Upstream: c.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if serr.Permanent() {
			return serr
		}
		return retry.RetryableError(serr)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", c.name, contract.FromContext(parent.Err()))
	}
	var serr *StatusError
	if errors.As(err, &serr) && serr.Permanent() {
		return serr
	}
	return fmt.Errorf("%w: %s: %w", contract.ErrUpstreamUnavailable, c.name, err)
}
