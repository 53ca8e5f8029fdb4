// Package client is an HTTP client for the unlockd API. A Client bound to
// an account satisfies session.Backend.
//
// Reads are retried with backoff while the server reports
// STORE_UNAVAILABLE or the transport fails. Unlocks are never retried: a
// transport failure during an unlock is returned untyped, meaning the
// outcome is unknown and the caller must re-read state before retrying.
// All calls share one circuit breaker per Client.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/server"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 3
	defaultBackoff = 200 * time.Millisecond
)

// StatusError is a non-2xx response that carries no domain error: a proxy
// failure without a body, or a transport-level code such as INTERNAL or
// FORBIDDEN. Unless Rejected, its outcome is unknown.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Body    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.Status, e.Body)
}

// Rejected reports whether the server refused the request before acting on
// it (a 4xx status). Retrying it unchanged cannot succeed.
func (e *StatusError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500
}

// rejected reports whether err is a StatusError the server refused.
func rejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Rejected()
}

// Client talks to one unlockd server.
type Client struct {
	base       *url.URL
	http       *http.Client
	account    string
	adminToken string
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker

	costMu sync.Mutex
	costs  map[string]int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAccount sets the X-Account-ID sent on every request.
func WithAccount(account string) Option {
	return func(c *Client) { c.account = account }
}

// WithAdminToken sets the token for admin calls.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithRetries sets how many times a read is attempted and the base backoff
// between attempts. The wait grows linearly with the attempt number.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if attempts >= 1 {
			c.retries = attempts
		}
		c.backoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: defaultTimeout},
		retries: defaultRetries,
		backoff: defaultBackoff,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		costs:   map[string]int64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(u.Host, c.logger))
	return c, nil
}

func breakerSettings(name string, logger *slog.Logger) gobreaker.Settings {
	st := gobreaker.Settings{Name: "unlockd " + name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
	}
	// Business and client rejections mean the server is healthy.
	st.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		if code := domain.CodeOf(err); code != "" {
			return code != domain.CodeStoreUnavailable
		}
		return rejected(err)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	return st
}

// ForAccount returns a copy of c bound to account. The copy shares the
// circuit breaker and transport.
func (c *Client) ForAccount(account string) *Client {
	return &Client{
		base:       c.base,
		http:       c.http,
		account:    account,
		adminToken: c.adminToken,
		retries:    c.retries,
		backoff:    c.backoff,
		logger:     c.logger,
		breaker:    c.breaker,
		costs:      map[string]int64{},
	}
}

type call struct {
	method string
	path   string
	query  url.Values
	body   any
	admin  bool
	retry  bool
}

// do runs one call through the breaker, retrying retryable reads.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	attempts := 1
	if cl.retry {
		attempts = c.retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := time.Duration(i) * c.backoff
			c.logger.Debug("retrying", "path", cl.path, "attempt", i+1, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(wait):
			}
		}

		_, err = c.breaker.Execute(func() (any, error) {
			return nil, c.roundTrip(ctx, cl, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Nothing was sent, so the failure is definite.
			return domain.Unavailable("circuit breaker", err)
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	if code := domain.CodeOf(err); code != "" {
		return code == domain.CodeStoreUnavailable
	}
	return !rejected(err)
}

func (c *Client) roundTrip(ctx context.Context, cl call, out any) error {
	u := *c.base
	u.Path = c.base.Path + cl.path
	if cl.query != nil {
		u.RawQuery = cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		buf, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.account != "" {
		req.Header.Set(server.HeaderAccountID, c.account)
	}
	if cl.admin {
		req.Header.Set(server.HeaderAdminToken, c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", cl.method, cl.path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp.StatusCode, payload)
}

// decodeError turns an error body carrying a domain code back into a
// *domain.Error. Everything else becomes a *StatusError.
func decodeError(status int, payload []byte) error {
	body := strings.TrimSpace(string(payload))
	var eb server.ErrorBody
	if err := json.Unmarshal(payload, &eb); err != nil || eb.Error.Code == "" {
		return &StatusError{Status: status, Body: body}
	}
	if !domain.Code(eb.Error.Code).Known() {
		return &StatusError{Status: status, Code: eb.Error.Code, Message: eb.Error.Message, Body: body}
	}
	return &domain.Error{
		Code:     domain.Code(eb.Error.Code),
		Message:  eb.Error.Message,
		Vertical: eb.Error.Vertical,
		Details:  eb.Error.Details,
	}
}
