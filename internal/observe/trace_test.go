package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider installs an in-memory span exporter as the global
// tracer provider for the duration of the test.
func newTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_NoActiveSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID outside a span = %q, want empty", got)
	}
}

func TestCorrelationID_IsTraceIDHex(t *testing.T) {
	newTestTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "turn.transcribe")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32 hex chars", len(cid))
	}
	for _, c := range cid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("correlation ID %q contains non-hex character %q", cid, c)
		}
	}
}

func TestCorrelationID_SharedAcrossTurnSpans(t *testing.T) {
	newTestTracerProvider(t)

	// Every stage span of one turn must correlate to the same session trace.
	ctx, turn := StartSpan(context.Background(), "turn")
	defer turn.End()

	stageCtx, stage := StartSpan(ctx, "turn.generate")
	defer stage.End()

	if CorrelationID(stageCtx) != CorrelationID(ctx) {
		t.Errorf("stage span correlation ID %q differs from turn's %q",
			CorrelationID(stageCtx), CorrelationID(ctx))
	}
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := newTestTracerProvider(t)

	_, span := StartSpan(context.Background(), "session.score")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "session.score" {
		t.Errorf("span name = %q, want session.score", spans[0].Name)
	}
}

func TestLogger_CarriesTraceContext(t *testing.T) {
	newTestTracerProvider(t)
	buf := captureLog(t)

	ctx, span := StartSpan(context.Background(), "turn.synthesize")
	defer span.End()

	Logger(ctx).Info("segment delivered", "segment", 0)

	logged := buf.String()
	if !strings.Contains(logged, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log line missing the span's trace_id: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log line missing span_id: %s", logged)
	}
}

func TestLogger_PlainOutsideSpan(t *testing.T) {
	buf := captureLog(t)

	Logger(context.Background()).Info("no turn in flight")

	if logged := buf.String(); strings.Contains(logged, "trace_id") {
		t.Errorf("log line outside a span must carry no trace_id: %s", logged)
	}
}

func TestTracer_NonNil(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
