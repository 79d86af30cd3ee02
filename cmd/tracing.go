package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// initTracing installs a span exporter when DEXTER_TRACE=stdout. Spans
// cover agent runs, iterations, and tool calls. The returned func
// flushes pending spans; it is safe to call when tracing is off.
func initTracing(ctx context.Context) func() {
	if os.Getenv("DEXTER_TRACE") != "stdout" {
		return func() {}
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		slog.Warn("trace exporter unavailable", "error", err)
		return func() {}
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("dexter"),
		semconv.ServiceVersion(Version),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "exporter", "stdout")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("trace shutdown error", "error", err)
		}
	}
}
