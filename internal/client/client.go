// Package client calls the hospital API from the import tool.
package client

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/pkg/circuitbreaker"
)

// StatusError is a non-2xx answer from the API
type StatusError struct {
	Status     int
	Message    string
	Detail     string
	Duplicates []string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Detail != "" && e.Detail != msg {
		msg += ": " + e.Detail
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
}

// BulkResponse is the body of a successful bulk insert. Count is nil when
// the server omitted it.
type BulkResponse struct {
	Message string `json:"message"`
	Count   *int   `json:"count"`
}

// Config holds client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Token   string
	Timeout time.Duration
}

// DefaultConfig returns defaults for a local API
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api/v1",
		Timeout: 30 * time.Second,
	}
}

// Client is an API client. Requests to each collection go through their
// own circuit breaker.
type Client struct {
	baseURL  string
	apiKey   string
	token    string
	http     *http.Client
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

// New creates a client
func New(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil, logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		token:    cfg.Token,
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
		logger:   logger,
	}, nil
}

// PostBulk sends one chunk to POST <base>/<endpoint>/bulk. Bulk posts skip
// the circuit breaker: every chunk of an upload reaches the server, and the
// uploader's policy decides what a failure means.
func (c *Client) PostBulk(ctx context.Context, endpoint, idempotencyKey string, body []byte) (*BulkResponse, error) {
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	var resp BulkResponse
	if err := c.do(ctx, "", http.MethodPost, "/"+endpoint+"/bulk", header, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List fetches every document of a collection
func List[T hospital.Document](ctx context.Context, c *Client, kind hospital.Kind) ([]T, error) {
	var docs []T
	if err := c.do(ctx, string(kind), http.MethodGet, "/"+string(kind), nil, nil, &docs); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return docs, nil
}

// Login exchanges credentials for a bearer token used by later requests
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "auth", http.MethodPost, "/auth/login", nil, body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = resp.Token
	return nil
}

// Breakers returns the circuit breaker manager
func (c *Client) Breakers() *circuitbreaker.Manager {
	return c.breakers
}

// do sends one request through the breaker called breakerName, or directly
// when breakerName is empty
func (c *Client) do(ctx context.Context, breakerName, method, path string, header http.Header, body []byte, out any) error {
	send := func(ctx context.Context) error {
		return c.send(ctx, method, path, header, body, out)
	}
	if breakerName == "" {
		return circuitbreaker.Unwrap(send(ctx))
	}

	cb, err := c.breakers.Get(breakerName)
	if err != nil {
		return err
	}
	return cb.Execute(ctx, send)
}

func (c *Client) send(ctx context.Context, method, path string, header http.Header, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return circuitbreaker.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := decodeStatusError(resp.StatusCode, data)
		c.logger.Debug("api request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", statusErr.Message))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return circuitbreaker.Permanent(statusErr)
		}
		return statusErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return circuitbreaker.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeStatusError(status int, data []byte) *StatusError {
	var body struct {
		Message    string   `json:"message"`
		Error      string   `json:"error"`
		Duplicates []string `json:"duplicates"`
	}
	e := &StatusError{Status: status}
	if err := json.Unmarshal(data, &body); err != nil {
		e.Message = strings.TrimSpace(string(data))
		return e
	}
	e.Message, e.Detail, e.Duplicates = body.Message, body.Error, body.Duplicates
	return e
}
