package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the value of the named counter's data point carrying
// attrKey=attrVal. An empty attrKey matches the first data point.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, attrKey, attrVal string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if attrKey == "" {
			return dp.Value
		}
		if v, found := dp.Attributes.Value(attribute.Key(attrKey)); found && v.AsString() == attrVal {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, attrKey, attrVal)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestStageHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	stages := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"vivace.stt.duration", m.STTDuration},
		{"vivace.llm.duration", m.LLMDuration},
		{"vivace.tts.duration", m.TTSDuration},
		{"vivace.retrieval.duration", m.RetrievalDuration},
		{"vivace.turn.duration", m.TurnDuration},
	}
	for _, s := range stages {
		s.h.Record(ctx, 0.123)
		s.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for _, s := range stages {
		t.Run(s.name, func(t *testing.T) {
			met := findMetric(rm, s.name)
			if met == nil {
				t.Fatalf("metric %q not found", s.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", s.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", s.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderRequests_SplitByStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "error")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "vivace.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumValue(t, rm, "vivace.provider.requests", "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
}

func TestTurns_CountedPerSession(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "sess-1")
	m.RecordTurn(ctx, "sess-1")
	m.RecordTurn(ctx, "sess-2")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "vivace.turns", "session_id", "sess-1"); got != 2 {
		t.Errorf("sess-1 turns = %d, want 2", got)
	}
	if got := sumValue(t, rm, "vivace.turns", "session_id", "sess-2"); got != 1 {
		t.Errorf("sess-2 turns = %d, want 1", got)
	}
}

func TestBargeIns_Counted(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBargeIn(context.Background(), "sess-1")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "vivace.barge_ins", "", ""); got != 1 {
		t.Errorf("barge-ins = %d, want 1", got)
	}
}

func TestSessionsScored_TaggedByFeedbackSource(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionScored(ctx, "llm")
	m.RecordSessionScored(ctx, "template")
	m.RecordSessionScored(ctx, "template")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "vivace.sessions.scored", "feedback", "template"); got != 2 {
		t.Errorf("template-scored sessions = %d, want 2", got)
	}
	if got := sumValue(t, rm, "vivace.sessions.scored", "feedback", "llm"); got != 1 {
		t.Errorf("llm-scored sessions = %d, want 1", got)
	}
}

func TestProviderErrors_Counted(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordProviderError(context.Background(), "elevenlabs", "tts")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "vivace.provider.errors", "provider", "elevenlabs"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestActiveSessions_UpAndDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "vivace.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestHTTPRequestDuration_Recorded(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "vivace.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
