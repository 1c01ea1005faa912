package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// newLogExporter is split out from newLogger so the otlploggrpc import
// is isolated to one small file: it is the one dependency in this
// module's graph that is otherwise only ever declared, never imported,
// across the whole example pack.
func newLogExporter(ctx context.Context) (sdklog.Exporter, error) {
	return otlploggrpc.New(ctx, otlploggrpc.WithInsecure())
}
