// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// NewRegistry returns a registry holding every built-in node type.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewDefaultRegistry(logger)

	logger.Info("Registered node types", "count", len(reg.GetAvailableNodes()))

	return reg
}

// NewTracer exports spans over OTLP/HTTP when enabled and otherwise returns the global
// tracer, which is a no-op until a provider is installed.
func NewTracer(ctx context.Context, logger *slog.Logger, serviceName string, enabled bool) trace.Tracer {
	if !enabled {
		return otel.Tracer(serviceName)
	}

	tracer, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Failed to initialize tracing, continuing without it", "error", err)

		return otel.Tracer(serviceName)
	}

	return tracer
}
