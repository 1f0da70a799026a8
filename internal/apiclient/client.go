// Package apiclient is the JSON REST client the domain stores load data
// through.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/retry"
	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/tracing"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	cssecrets "github.com/gxo-labs/chatstate/pkg/chatstate/v1/secrets"
	cstracing "github.com/gxo-labs/chatstate/pkg/chatstate/v1/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// maxErrorBody bounds how much of a failed response is kept in an APIError.
const maxErrorBody = 512

// API is the request surface used by the domain stores. Every method decodes
// a 2xx JSON body into out (when non-nil) and returns *errors.APIError for
// any other status.
type API interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
	Put(ctx context.Context, path string, body, out interface{}) error
	Delete(ctx context.Context, path string, out interface{}) error
}

// Observer receives per-request metrics.
type Observer interface {
	ObserveAPI(method string, code int, elapsed time.Duration)
}

// Client implements API over net/http.
type Client struct {
	base     *url.URL
	http     *http.Client
	log      cslog.Logger
	retry    *retry.Helper
	retryCfg retry.Config
	tracer   cstracing.TracerProvider
	observer Observer
	tracker  *secrets.SecretTracker

	tokens   cssecrets.Provider
	tokenKey string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log cslog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRetry retries idempotent requests (GET, PUT, DELETE) per cfg.
// cfg.Retryable defaults to errors.IsRetryable.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithTracerProvider records a client span per request.
func WithTracerProvider(p cstracing.TracerProvider) Option {
	return func(c *Client) { c.tracer = p }
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithSecretTracker redacts tracked secrets from logs, spans and errors.
// The bearer token is added to it when first resolved.
func WithSecretTracker(t *secrets.SecretTracker) Option {
	return func(c *Client) { c.tracker = t }
}

// WithBearerToken resolves an Authorization token named key from p on every
// request.
func WithBearerToken(p cssecrets.Provider, key string) Option {
	return func(c *Client) {
		c.tokens = p
		c.tokenKey = key
	}
}

// New creates a client for baseURL, which must be an absolute http(s) URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, cserrors.NewConfigError(fmt.Sprintf("invalid API base URL '%s'", baseURL), err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, cserrors.NewConfigError(fmt.Sprintf("API base URL '%s' must be an absolute http(s) URL", baseURL), nil)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "apiclient")
	c.retry = retry.NewHelper(c.log, c.tracker)
	if c.retryCfg.Retryable == nil {
		c.retryCfg.Retryable = cserrors.IsRetryable
	}
	return c, nil
}

func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		payload = raw
	}

	ctx, span := tracing.StartSpan(ctx, c.tracer, "chatstate.api "+method,
		attribute.String("http.request.method", method),
		tracing.AttrHTTPPath.String(routeOf(path)),
	)
	defer span.End()

	cfg := retry.Config{Attempts: 1, Label: method + " " + routeOf(path)}
	if isIdempotent(method) {
		cfg = c.retryCfg
		cfg.Label = method + " " + routeOf(path)
	}

	var status int
	err := c.retry.Do(ctx, cfg, func(ctx context.Context) error {
		var attemptErr error
		status, attemptErr = c.attempt(ctx, method, path, payload, out)
		return attemptErr
	})
	if status > 0 {
		span.SetAttributes(tracing.AttrHTTPCode.Int(status))
	}
	if err != nil {
		tracing.RecordError(span, err, c.tracker)
		return err
	}
	return nil
}

// attempt performs one round trip and returns the status code (0 on a
// transport failure).
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out interface{}) (int, error) {
	target, err := c.resolve(path)
	if err != nil {
		return 0, err
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(method, 0, start)
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.observe(method, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, cserrors.NewAPIError(method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil || c.tokenKey == "" {
		return nil
	}
	token, ok, err := c.tokens.GetSecret(ctx, c.tokenKey)
	if err != nil {
		return fmt.Errorf("resolve API token '%s': %w", c.tokenKey, err)
	}
	if !ok || token == "" {
		return nil
	}
	if c.tracker != nil {
		c.tracker.Add(token)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) resolve(path string) (string, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid request path '%s': %w", path, err)
	}
	if rel.IsAbs() || rel.Host != "" {
		return "", fmt.Errorf("request path '%s' must be relative to the base URL", path)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimPrefix(rel.Path, "/")
	u.RawQuery = rel.RawQuery
	return u.String(), nil
}

func (c *Client) observe(method string, code int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveAPI(method, code, time.Since(start))
	}
}

func isIdempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete
}

// routeOf drops the query string so span names stay low-cardinality.
func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

var _ API = (*Client)(nil)
