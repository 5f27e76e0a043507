// Package transport is the HTTP client every remote call goes through.
//
// A 401 on an ordinary request triggers one silent refresh followed by one
// resend of the original request. A failed refresh is reported once to the
// expiry notifier and surfaces as *SessionExpiredError.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proserve/cmd/internal/metrics"
)

const defaultMaxResponseBytes = 1 << 20

// RequestIDHeader is set on every outgoing request.
const RequestIDHeader = "X-Request-ID"

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Refresher renews the session credentials.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ExpiryNotifier is told when a refresh fails. *expiry.Broadcaster satisfies it.
type ExpiryNotifier interface {
	Notify(message string) bool
}

// Client is safe for concurrent use. Concurrent 401s refresh independently.
type Client struct {
	log      *slog.Logger
	doer     Doer
	base     *url.URL
	notifier ExpiryNotifier
	agent    string
	maxBody  int64

	mu        sync.RWMutex
	refresher Refresher
}

// Option configures a Client.
type Option func(*Client)

// WithExpiryNotifier sets the notifier told about failed refreshes.
func WithExpiryNotifier(n ExpiryNotifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithRefresher sets the refresher at construction time.
func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.agent = ua }
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// New constructs a Client for baseURL. A nil doer uses http.DefaultClient.
func New(log *slog.Logger, doer Doer, baseURL string, opts ...Option) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if doer == nil {
		doer = http.DefaultClient
	}

	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url must be http(s), got %q", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	c := &Client{log: log, doer: doer, base: base, maxBody: defaultMaxResponseBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SetRefresher attaches the refresher after construction, for wiring cycles
// where the refresher itself uses this Client.
func (c *Client) SetRefresher(r Refresher) {
	c.mu.Lock()
	c.refresher = r
	c.mu.Unlock()
}

// Do sends req. It returns the response for 2xx and an error otherwise:
// *Error for network failures and non-2xx statuses, *SessionExpiredError
// when the silent refresh failed. A refresh cut short by ctx returns *Error
// wrapping ctx.Err() and notifies nobody.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.Status) {
		return resp, nil
	}

	refresher := c.currentRefresher()
	if resp.Status != http.StatusUnauthorized || req.Attempt() > 0 || req.LoginFlow || refresher == nil {
		return nil, statusError(resp)
	}

	if rerr := refresher.Refresh(ctx); rerr != nil {
		metrics.RecordRefresh(false)
		// Caller cancellation is not a session expiry.
		if cerr := ctx.Err(); cerr != nil {
			c.log.Info("http.refresh.canceled", "method", req.Method, "path", req.Path, "err", cerr)
			return nil, &Error{Err: cerr}
		}
		return nil, c.expired(req, rerr)
	}
	metrics.RecordRefresh(true)

	retry, err := c.send(ctx, req.Retried())
	if err != nil {
		metrics.RecordRetriedSend(false)
		return nil, err
	}
	metrics.RecordRetriedSend(isSuccess(retry.Status))
	if !isSuccess(retry.Status) {
		return nil, statusError(retry)
	}
	return retry, nil
}

// DoJSON sends req and decodes a 2xx body into out when out is non-nil.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := resp.DecodeJSON(out); err != nil {
		return &Error{Status: resp.Status, Message: "invalid response body", Err: err}
	}
	return nil
}

func (c *Client) expired(req Request, cause error) error {
	var se *SessionExpiredError
	if !errors.As(cause, &se) {
		se = &SessionExpiredError{Err: cause}
	}

	c.log.Warn("http.refresh.fail", "method", req.Method, "path", req.Path, "err", cause)
	if c.notifier != nil {
		c.notifier.Notify("")
	}
	return se
}

func (c *Client) currentRefresher() Refresher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresher
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	ref, err := url.Parse(strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("invalid path %q: %w", req.Path, err)}
	}
	u := c.base.ResolveReference(ref)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &Error{Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Accept", "application/json")
	if req.Body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		hr.Header.Set("User-Agent", c.agent)
	}
	rid := hr.Header.Get(RequestIDHeader)
	if rid == "" {
		rid = uuid.NewString()
		hr.Header.Set(RequestIDHeader, rid)
	}

	start := time.Now()
	res, err := c.doer.Do(hr)
	if err != nil {
		c.log.Warn("http.request.fail", "method", method, "path", req.Path, "request_id", rid, "attempt", req.Attempt(), "err", err)
		return nil, &Error{Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody))
	if err != nil {
		return nil, &Error{Status: res.StatusCode, Err: err}
	}

	c.log.Debug("http.request",
		"method", method,
		"path", req.Path,
		"status", res.StatusCode,
		"request_id", rid,
		"attempt", req.Attempt(),
		"dur_ms", time.Since(start).Milliseconds(),
	)
	return &Response{Status: res.StatusCode, Header: res.Header, Body: b}, nil
}

func statusError(resp *Response) error {
	return &Error{Status: resp.Status, Message: serverMessage(resp.Body), Body: resp.Body}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
