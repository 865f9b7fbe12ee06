package otelhelper_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type stepFailure struct{}

func (stepFailure) Error() string     { return "upstream responded 503" }
func (stepFailure) ErrorCode() string { return "transient_external_failure" }
func (stepFailure) IsRetryable() bool { return true }

func recordError(t *testing.T, err error) sdktrace.ReadOnlySpan {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("test").Start(context.Background(), "step")
	otelhelper.SetError(span, err, attribute.String(otelhelper.NodeIDKey, "lookup"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)

	return ended[0]
}

func TestSetError_ClassifiedFailure(t *testing.T) {
	span := recordError(t, fmt.Errorf("step failed: %w", stepFailure{}))

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String(otelhelper.ErrorCodeKey, "transient_external_failure"))
	assert.Contains(t, span.Attributes(), attribute.Bool(otelhelper.ErrorRetryableKey, true))
	assert.Contains(t, span.Attributes(), attribute.String(otelhelper.NodeIDKey, "lookup"))
	require.Len(t, span.Events(), 1)
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestSetError_PlainError(t *testing.T) {
	span := recordError(t, errors.New("connection refused"))

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "connection refused", span.Status().Description)

	for _, attr := range span.Attributes() {
		assert.NotEqual(t, attribute.Key(otelhelper.ErrorCodeKey), attr.Key)
	}
}
