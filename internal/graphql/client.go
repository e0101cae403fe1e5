// Package graphql is the storefront's transport to the commerce GraphQL
// endpoint. It propagates session headers, captures the session token the
// server hands back, and notifies observers about failed operations.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/metrics"
)

// SessionHeader is the header WooGraphQL uses to carry the session token in
// both directions.
const SessionHeader = "woocommerce-session"

const maxResponseBytes = 1 << 20

// Transport error kinds reported to metrics.
const (
	ErrorKindGraphQL = "graphql"
	ErrorKindStatus  = "status"
	ErrorKindNetwork = "network"
)

// TransportError describes a failed operation. Messages holds the GraphQL
// error messages in payload order and is empty for connectivity failures.
type TransportError struct {
	StatusCode int
	Messages   []string
	Err        error
}

// Error prefers the first GraphQL message, then the status, then the cause.
func (e TransportError) Error() string {
	switch {
	case len(e.Messages) > 0:
		return fmt.Sprintf("graphql: %s", strings.Join(e.Messages, "; "))
	case e.Err != nil:
		return fmt.Sprintf("graphql: %v", e.Err)
	default:
		return fmt.Sprintf("graphql: unexpected status %d", e.StatusCode)
	}
}

func (e TransportError) Unwrap() error { return e.Err }

// HasGraphQLErrors reports whether the server answered with an errors array.
func (e TransportError) HasGraphQLErrors() bool { return len(e.Messages) > 0 }

// FirstMessage returns the first GraphQL error message, if any.
func (e TransportError) FirstMessage() string {
	if len(e.Messages) == 0 {
		return ""
	}
	return e.Messages[0]
}

// Kind classifies the error for metrics.
func (e TransportError) Kind() string {
	switch {
	case len(e.Messages) > 0:
		return ErrorKindGraphQL
	case e.Err != nil:
		return ErrorKindNetwork
	default:
		return ErrorKindStatus
	}
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 15s-timeout client.
func WithHTTPClient(doer httpDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithJar stores session tokens returned by the server in jar under the
// given cookie name and domain.
func WithJar(jar *Jar, cookie, domain string) Option {
	return func(c *Client) {
		c.jar = jar
		c.cookie = cookie
		c.domain = domain
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics counts dispatched transport errors by kind.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = recorder }
}

// Client posts GraphQL operations to a single endpoint.
type Client struct {
	endpoint string
	http     httpDoer
	jar      *Jar
	cookie   string
	domain   string
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu        sync.RWMutex
	headers   map[string]string
	observers []func(TransportError)
}

// NewClient posts GraphQL documents to endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger).With(slog.String("agent", "graphql"))
	return c
}

// SetHeaders merges headers into every subsequent request. An empty value
// removes the header.
func (c *Client) SetHeaders(headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, value := range headers {
		if strings.TrimSpace(value) == "" {
			delete(c.headers, name)
			continue
		}
		c.headers[name] = value
	}
}

// Headers returns a copy of the headers applied to requests.
func (c *Client) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// OnError registers an observer for every failed operation. Observers stay
// registered for the life of the client.
func (c *Client) OnError(handler func(TransportError)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, handler)
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Do executes one operation and decodes its data into out when out is
// non-nil. Failures are dispatched to observers and returned as TransportError.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any, out any) error {
	if strings.TrimSpace(c.endpoint) == "" {
		return errors.New("graphql: endpoint not configured")
	}
	payload, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("graphql: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("graphql: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range c.Headers() {
		req.Header.Set(name, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("graphql: request: %w", ctx.Err())
		}
		return c.fail(TransportError{Err: err})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return c.fail(TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read: %w", err)})
	}
	if closeErr != nil {
		c.logger.Debug("response close failed", slog.Any("error", closeErr))
	}

	c.captureSession(resp.Header)

	var decoded response
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil && resp.StatusCode < http.StatusBadRequest {
			return c.fail(TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)})
		}
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			messages = append(messages, e.Message)
		}
		return c.fail(TransportError{StatusCode: resp.StatusCode, Messages: messages})
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return c.fail(TransportError{StatusCode: resp.StatusCode})
	}
	if out != nil && len(decoded.Data) > 0 {
		if err := json.Unmarshal(decoded.Data, out); err != nil {
			return fmt.Errorf("graphql: decode data: %w", err)
		}
	}
	return nil
}

func (c *Client) captureSession(header http.Header) {
	if c.jar == nil || c.cookie == "" {
		return
	}
	token := strings.TrimSpace(header.Get(SessionHeader))
	if token == "" {
		return
	}
	c.jar.Set(c.cookie, c.domain, token)
}

func (c *Client) fail(terr TransportError) error {
	c.metrics.ObserveTransportError(terr.Kind())
	c.mu.RLock()
	observers := append(([]func(TransportError))(nil), c.observers...)
	c.mu.RUnlock()
	for _, observer := range observers {
		observer(terr)
	}
	return terr
}
