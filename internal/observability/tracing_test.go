package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	if cfg.ServiceName != "coderag" {
		t.Fatalf("expected service name 'coderag', got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, &TracingConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.Tracer() == nil {
		t.Fatal("expected non-nil tracer")
	}
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestInitTracing_NilConfig(t *testing.T) {
	tp, err := InitTracing(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected non-nil tracer provider")
	}
}

func TestSpans_NamesAndAttributes(t *testing.T) {
	rec := withRecorder(t)
	ctx := context.Background()

	_, s1 := StartEmbedSpan(ctx, "openai", "text-embedding-3-small", 42)
	s1.End()
	_, s2 := StartIndexSpan(ctx, "r1", 3)
	RecordIndexResult(s2, 2, 1, 1)
	s2.End()
	_, s3 := StartUpsertSpan(ctx, "memory", 0, 100)
	s3.End()
	_, s4 := StartQuerySpan(ctx, "qdrant", "r1", 5)
	s4.End()
	_, s5 := StartRetrievalSpan(ctx, "r1", 5)
	s5.End()

	ended := rec.Ended()
	want := []string{"embedding.embed", "index.repository", "vector.upsert", "vector.query", "retrieval.retrieve"}
	if len(ended) != len(want) {
		t.Fatalf("expected %d spans, got %d", len(want), len(ended))
	}
	for i, name := range want {
		if ended[i].Name() != name {
			t.Errorf("span %d: expected %s, got %s", i, name, ended[i].Name())
		}
	}

	found := false
	for _, kv := range ended[1].Attributes() {
		if kv.Key == "index.succeeded" && kv.Value.AsInt64() == 2 {
			found = true
		}
	}
	if !found {
		t.Error("expected index.succeeded attribute on index span")
	}
}

func TestRecordError(t *testing.T) {
	rec := withRecorder(t)
	_, span := StartQuerySpan(context.Background(), "memory", "r1", 5)

	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", ended[0].Status().Code)
	}
}
