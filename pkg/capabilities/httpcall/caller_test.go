package httpcall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaller() *Caller {
	return NewCaller(slog.New(slog.DiscardHandler))
}

func TestCaller_DecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"order":"A-1"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"shipped","items":[{"qty":2}]}`))
	}))
	defer server.Close()

	resp, err := newCaller().Call(context.Background(), models.HTTPRequest{
		Method:  "post",
		URL:     server.URL + "/orders",
		Headers: map[string]string{"Authorization": "Bearer token"},
		Body:    `{"order":"A-1"}`,
		Timeout: time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Headers["X-Request-Id"])
	assert.Equal(t, map[string]any{
		"status": "shipped",
		"items":  []any{map[string]any{"qty": float64(2)}},
	}, resp.Body)
}

func TestCaller_NonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not here"))
	}))
	defer server.Close()

	resp, err := newCaller().Call(context.Background(), models.HTTPRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not here", resp.Body)
}

func TestCaller_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := newCaller().Call(context.Background(), models.HTTPRequest{URL: server.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	var requestErr *RequestError
	require.ErrorAs(t, err, &requestErr)
	assert.True(t, requestErr.Transient())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCaller_InvalidRequestIsPermanent(t *testing.T) {
	tests := []struct {
		name    string
		request models.HTTPRequest
		want    error
	}{
		{name: "method", request: models.HTTPRequest{Method: "TRACE", URL: "https://example.com"}, want: ErrInvalidMethod},
		{name: "scheme", request: models.HTTPRequest{URL: "ftp://example.com/file"}, want: ErrInvalidRequest},
		{name: "url", request: models.HTTPRequest{URL: "://bad"}, want: ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCaller().Call(context.Background(), tt.request)
			require.ErrorIs(t, err, tt.want)

			var requestErr *RequestError
			require.True(t, errors.As(err, &requestErr))
			assert.False(t, requestErr.Transient())
		})
	}
}

func TestCaller_RejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("body")))
	}))
	defer server.Close()

	caller := NewCaller(slog.New(slog.DiscardHandler), WithMaxBodyBytes(4))

	resp, err := caller.Call(context.Background(), models.HTTPRequest{URL: server.URL + "?body=abcd"})
	require.NoError(t, err)
	assert.Equal(t, "abcd", resp.Body)

	_, err = caller.Call(context.Background(), models.HTTPRequest{URL: server.URL + "?body=abcdefghij"})
	require.ErrorIs(t, err, ErrResponseTooLarge)

	var requestErr *RequestError
	require.True(t, errors.As(err, &requestErr))
	assert.False(t, requestErr.Transient())
}
