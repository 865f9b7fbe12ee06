// Package httpcall performs the outbound HTTP requests of api and webhook nodes.
package httpcall

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

	"github.com/dukex/chatflow/pkg/models"
)

// DefaultMaxBodyBytes is the largest response body accepted; longer bodies fail the call.
const DefaultMaxBodyBytes = 1 << 20

var (
	ErrInvalidMethod    = errors.New("invalid HTTP method")
	ErrInvalidRequest   = errors.New("invalid HTTP request")
	ErrResponseTooLarge = errors.New("response body exceeds the size limit")
)

// RequestError is a failed call. Transient errors are connection or timeout failures that
// may succeed when retried.
type RequestError struct {
	Err       error
	transient bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("http request failed: %v", e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Transient() bool {
	return e.transient
}

// Caller implements protocol.HTTPCaller on top of net/http.
type Caller struct {
	logger       *slog.Logger
	client       *http.Client
	maxBodyBytes int64
}

type Option func(*Caller)

// WithClient replaces the default client. The request timeout is applied through the
// context, so the client should not set its own.
func WithClient(client *http.Client) Option {
	return func(c *Caller) { c.client = client }
}

func WithMaxBodyBytes(limit int64) Option {
	return func(c *Caller) { c.maxBodyBytes = limit }
}

func NewCaller(logger *slog.Logger, opts ...Option) *Caller {
	c := &Caller{
		logger:       logger.With("module", "http_caller"),
		client:       &http.Client{},
		maxBodyBytes: DefaultMaxBodyBytes,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Caller) Call(ctx context.Context, request models.HTTPRequest) (*models.HTTPResponse, error) {
	if request.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	req, err := c.buildRequest(ctx, request)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	c.logger.DebugContext(ctx, "Sending HTTP request", "method", req.Method, "url", request.URL)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &RequestError{Err: err, transient: !errors.Is(err, context.Canceled)}
	}

	return c.processResponse(ctx, resp)
}

func (c *Caller) buildRequest(ctx context.Context, request models.HTTPRequest) (*http.Request, error) {
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMethod, request.Method)
	}

	var body io.Reader
	if request.Body != "" {
		body = strings.NewReader(request.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, request.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, req.URL.Scheme)
	}

	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func (c *Caller) processResponse(ctx context.Context, resp *http.Response) (*models.HTTPResponse, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("failed to read response body: %w", err), transient: true}
	}

	if int64(len(bodyBytes)) > c.maxBodyBytes {
		return nil, &RequestError{Err: fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBodyBytes)}
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	c.logger.DebugContext(ctx, "HTTP request completed", "status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return &models.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       decodeBody(bodyBytes),
	}, nil
}

// decodeBody returns JSON bodies as decoded values and anything else as a string.
func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var body any

	err := json.Unmarshal(raw, &body)
	if err != nil {
		return string(raw)
	}

	return body
}
