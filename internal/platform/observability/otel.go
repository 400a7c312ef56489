package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/forgepipe/enginecore/internal/platform/config"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

var (
	once     sync.Once
	shutdown func(context.Context) error
)

// Init wires the global tracer provider and propagator, exporting over
// OTLP/HTTP when an endpoint is configured and to stdout otherwise. The
// dispatcher and handlers start no spans of their own. When OTEL_ENABLED is unset, Init is a no-op and the global no-op tracer
// from the otel package is used, so call sites never need a nil check.
func Init(ctx context.Context, cfg config.Config, log *logger.Logger) func(context.Context) error {
	once.Do(func() {
		if !cfg.OTelEnabled {
			return
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", "enginecore"),
			attribute.String("service.component", "pipeline-scheduler"),
		))
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildExporter(ctx, cfg, log)
		if expErr != nil && log != nil {
			log.Warn("otel exporter init failed (continuing)", "error", expErr)
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.2))),
			sdktrace.WithResource(res),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "endpoint", cfg.OTelEndpoint)
		}
	})
	if shutdown == nil {
		return func(context.Context) error { return nil }
	}
	return shutdown
}

func buildExporter(ctx context.Context, cfg config.Config, log *logger.Logger) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(cfg.OTelEndpoint)
	if endpoint != "" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	if log != nil {
		log.Warn("otel using stdout exporter (no OTLP endpoint configured)")
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}
