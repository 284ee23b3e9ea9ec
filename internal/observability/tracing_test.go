package observability

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if span.SpanContext().IsValid() {
		t.Error("noop provider produced a recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestInitTracingStdout(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled: true, ServiceName: "contactd-test", Exporter: "stdout", SampleRatio: 1,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Error("sdk provider produced an invalid span")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, testLogger())
	InitTracing(context.Background(), TracingConfig{}, testLogger())
}

func TestInitTracingUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, testLogger())
	if err == nil {
		t.Error("expected an error for an unknown exporter")
	}
}
