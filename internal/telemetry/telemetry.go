// Package telemetry sets up structured logging and tracing: log/slog
// backed by an OTel log bridge shipping records over OTLP/gRPC, plus a
// tracer that emits one span per upstream fetch.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the process-wide logger and tracer. Threaded
// explicitly into constructors rather than held in package variables,
// the same way the scheduler is passed around.
type Telemetry struct {
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// Setup builds the Telemetry bundle. Exporter connect failures are
// non-fatal: Setup logs once at Warn and falls back to a no-op tracer
// provider plus a plain stderr slog handler, since telemetry must never
// be a reason the weather server itself fails to start.
func Setup(ctx context.Context, serviceName string) *Telemetry {
	res, resErr := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if resErr != nil {
		res = resource.Default()
	}

	tp, tracerShutdown, tpErr := newTracerProvider(ctx, res)
	logger, logShutdown, logErr := newLogger(ctx, serviceName, res)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tracerShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := logShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	if tpErr != nil {
		logger.Warn("telemetry: tracer exporter unavailable, using no-op tracer", "err", tpErr)
	}
	if logErr != nil {
		logger.Warn("telemetry: log exporter unavailable, logging to stderr only", "err", logErr)
	}

	otel.SetTracerProvider(tp)

	return &Telemetry{
		Logger:   logger,
		Tracer:   tp.Tracer(serviceName),
		Shutdown: shutdown,
	}
}

func newTracerProvider(ctx context.Context, res *resource.Resource) (trace.TracerProvider, func(context.Context) error, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	exp, err := otlptracegrpc.New(dialCtx, otlptracegrpc.WithInsecure())
	if err != nil {
		return noop.NewTracerProvider(), func(context.Context) error { return nil },
			fmt.Errorf("telemetry: otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown, nil
}

func newLogger(ctx context.Context, serviceName string, res *resource.Resource) (*slog.Logger, func(context.Context) error, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	exp, err := newLogExporter(dialCtx)
	if err != nil {
		return slog.Default(), func(context.Context) error { return nil }, err
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	handler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(lp))
	return slog.New(handler), lp.Shutdown, nil
}
