// Package observe provides application-wide observability primitives for
// Vivace: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vivace metrics.
const meterName = "github.com/proctorlabs/vivace"

// Metrics holds every metric instrument the exam pipeline records. All fields
// are safe for concurrent use; the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// Per-stage latency histograms. TurnDuration spans the whole examiner
	// turn, end-of-utterance to first audio; the others cover one stage each.
	STTDuration       metric.Float64Histogram
	LLMDuration       metric.Float64Histogram
	TTSDuration       metric.Float64Histogram
	RetrievalDuration metric.Float64Histogram
	TurnDuration      metric.Float64Histogram

	// ProviderRequests counts provider API calls, attributed by provider,
	// kind, and status. ProviderErrors counts the failures by provider and
	// kind.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// Turns counts completed examiner turns by session. BargeIns counts
	// student interruptions that cancelled an in-flight response.
	Turns    metric.Int64Counter
	BargeIns metric.Int64Counter

	// SessionsScored counts sessions that reached end-of-session scoring,
	// attributed by feedback source ("llm" or "template").
	SessionsScored metric.Int64Counter

	// ActiveSessions tracks the number of live exam sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request processing time on the session API,
	// attributed by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-pipeline latencies, where a turn over a few seconds already feels
// broken to the student.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// instrumentErrs collects the first instrument creation error so NewMetrics
// can build the whole struct in one pass.
type instrumentErrs struct {
	meter metric.Meter
	err   error
}

func (ie *instrumentErrs) latencyHistogram(name, desc string) metric.Float64Histogram {
	if ie.err != nil {
		return nil
	}
	h, err := ie.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	ie.err = err
	return h
}

func (ie *instrumentErrs) counter(name, desc string) metric.Int64Counter {
	if ie.err != nil {
		return nil
	}
	c, err := ie.meter.Int64Counter(name, metric.WithDescription(desc))
	ie.err = err
	return c
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	ie := &instrumentErrs{meter: mp.Meter(meterName)}

	met := &Metrics{
		STTDuration:       ie.latencyHistogram("vivace.stt.duration", "Latency of speech-to-text transcription."),
		LLMDuration:       ie.latencyHistogram("vivace.llm.duration", "Latency of LLM inference."),
		TTSDuration:       ie.latencyHistogram("vivace.tts.duration", "Per-sentence latency of text-to-speech synthesis."),
		RetrievalDuration: ie.latencyHistogram("vivace.retrieval.duration", "Latency of knowledge passage retrieval."),
		TurnDuration:      ie.latencyHistogram("vivace.turn.duration", "End-of-utterance to first-audio latency for a full examiner turn."),

		ProviderRequests: ie.counter("vivace.provider.requests", "Total provider API requests by provider, kind, and status."),
		ProviderErrors:   ie.counter("vivace.provider.errors", "Total provider errors by provider and kind."),
		Turns:            ie.counter("vivace.turns", "Total completed examiner turns by session."),
		BargeIns:         ie.counter("vivace.barge_ins", "Total student interruptions that cancelled an in-flight response."),
		SessionsScored:   ie.counter("vivace.sessions.scored", "Total sessions scored, by feedback source."),
	}

	var err error
	if ie.err == nil {
		met.ActiveSessions, err = ie.meter.Int64UpDownCounter("vivace.active_sessions",
			metric.WithDescription("Number of live exam sessions."),
		)
		ie.err = err
	}
	if ie.err == nil {
		// The request histogram keeps the SDK's default buckets; API latency
		// has a wider spread than the pipeline stages.
		met.HTTPRequestDuration, err = ie.meter.Float64Histogram("vivace.http.request.duration",
			metric.WithDescription("HTTP request latency by method and path."),
			metric.WithUnit("s"),
		)
		ie.err = err
	}
	if ie.err != nil {
		return nil, ie.err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider API call with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records a completed examiner turn.
func (m *Metrics) RecordTurn(ctx context.Context, sessionID string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}

// RecordBargeIn records a student interruption that cancelled an in-flight
// response.
func (m *Metrics) RecordBargeIn(ctx context.Context, sessionID string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}

// RecordSessionScored records that a session was scored, tagging the feedback
// source ("llm" when generated, "template" when degraded).
func (m *Metrics) RecordSessionScored(ctx context.Context, feedbackSource string) {
	m.SessionsScored.Add(ctx, 1,
		metric.WithAttributes(attribute.String("feedback", feedbackSource)),
	)
}

// RecordProviderError records one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
