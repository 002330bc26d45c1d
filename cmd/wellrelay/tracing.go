package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/wellrelay/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// initTracerProvider creates the OpenTelemetry TracerProvider. With tracing
// disabled the provider records nothing.
func initTracerProvider(ctx context.Context, cfg config.TracingConfig, wellID int64, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc", "":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String("wellrelay"),
		semconv.ServiceInstanceIDKey.String(fmt.Sprintf("well-%d", wellID)),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}
