// Package observability provides OpenTelemetry tracing, metrics and logger
// setup for coderag.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name used for the coderag tracer.
	TracerName = "github.com/efebarandurmaz/coderag"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	// ServiceName is the name of the service (default: "coderag")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod)
	Environment string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "coderag",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}

	// The propagator is needed even without an exporter so NATS headers
	// carry trace context between services.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Span kinds recorded on every coderag span.
const (
	SpanKindEmbed     = "embed"
	SpanKindIndex     = "index"
	SpanKindUpsert    = "upsert"
	SpanKindQuery     = "query"
	SpanKindRetrieval = "retrieval"
)

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartEmbedSpan starts a span for one embedding provider call.
func StartEmbedSpan(ctx context.Context, provider, model string, textLen int) (context.Context, trace.Span) {
	return start(ctx, "embedding.embed", trace.SpanKindClient,
		attribute.String("coderag.span.kind", SpanKindEmbed),
		attribute.String("embedding.provider", provider),
		attribute.String("embedding.model", model),
		attribute.Int("embedding.text_len", textLen),
	)
}

// StartIndexSpan starts a span covering a whole indexing run.
func StartIndexSpan(ctx context.Context, repositoryID string, fileCount int) (context.Context, trace.Span) {
	return start(ctx, "index.repository", trace.SpanKindInternal,
		attribute.String("coderag.span.kind", SpanKindIndex),
		attribute.String("repository.id", repositoryID),
		attribute.Int("index.file_count", fileCount),
	)
}

// RecordIndexResult records the outcome of an indexing run.
func RecordIndexResult(span trace.Span, succeeded, failed, batches int) {
	span.SetAttributes(
		attribute.Int("index.succeeded", succeeded),
		attribute.Int("index.failed", failed),
		attribute.Int("index.batches", batches),
	)
}

// StartUpsertSpan starts a span for one batch upsert.
func StartUpsertSpan(ctx context.Context, backend string, batch, size int) (context.Context, trace.Span) {
	return start(ctx, "vector.upsert", trace.SpanKindClient,
		attribute.String("coderag.span.kind", SpanKindUpsert),
		attribute.String("vector.backend", backend),
		attribute.Int("vector.batch", batch),
		attribute.Int("vector.batch_size", size),
	)
}

// StartQuerySpan starts a span for a filtered nearest-neighbour query.
func StartQuerySpan(ctx context.Context, backend, repositoryID string, topK int) (context.Context, trace.Span) {
	return start(ctx, "vector.query", trace.SpanKindClient,
		attribute.String("coderag.span.kind", SpanKindQuery),
		attribute.String("vector.backend", backend),
		attribute.String("repository.id", repositoryID),
		attribute.Int("vector.top_k", topK),
	)
}

// StartRetrievalSpan starts a span covering a retrieval request.
func StartRetrievalSpan(ctx context.Context, repositoryID string, topK int) (context.Context, trace.Span) {
	return start(ctx, "retrieval.retrieve", trace.SpanKindInternal,
		attribute.String("coderag.span.kind", SpanKindRetrieval),
		attribute.String("repository.id", repositoryID),
		attribute.Int("retrieval.top_k", topK),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
