package otelhelper

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ErrorCodeKey      = "chatflow.error.code"
	ErrorRetryableKey = "chatflow.error.retryable"
)

// classified is implemented by step failures that carry a code from the error taxonomy.
type classified interface {
	ErrorCode() string
	IsRetryable() bool
}

// SetError records err on the span and marks it failed. Classified step failures add
// their code and whether they will be retried.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	var stepErr classified
	if errors.As(err, &stepErr) {
		attrs = append(attrs,
			attribute.String(ErrorCodeKey, stepErr.ErrorCode()),
			attribute.Bool(ErrorRetryableKey, stepErr.IsRetryable()),
		)
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attrs...)
}
