// Package observe holds the gateway's telemetry: OpenTelemetry instruments
// exported to Prometheus, per-turn tracing, trace-aware logging, and the
// HTTP middleware that ties requests to all three.
//
// Production code gets its instruments from [NewMetrics] over the global
// meter provider installed by [Setup]. Tests pass their own provider with a
// manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxgate"

// Metrics is the gateway's instrument set. Instruments are safe for
// concurrent use.
type Metrics struct {
	// Stage latencies, in seconds.
	ASRDuration       metric.Float64Histogram // attr mode=partial|final
	DialogueDuration  metric.Float64Histogram // invocation to first text chunk
	TTSDuration       metric.Float64Histogram // one phrase
	ModelInitDuration metric.Float64Histogram // attr kind

	ProviderRequests   metric.Int64Counter // attrs provider, kind, status
	ProviderErrors     metric.Int64Counter // attrs provider, kind
	BreakerTransitions metric.Int64Counter // attrs provider, state entered

	Segments          metric.Int64Counter // attr kind=partial|final
	PhrasesSkipped    metric.Int64Counter // attr reason
	Interrupts        metric.Int64Counter
	SessionsExpired   metric.Int64Counter
	ForcedGCs         metric.Int64Counter
	AdmissionsRefused metric.Int64Counter // attr reason

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration covers whole requests; for the voice endpoint
	// that is the session lifetime. Attrs method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets are histogram boundaries in seconds, from a fast partial
// decode up to a slow cold model load.
var stageBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ASRDuration:       b.stage("voxgate.asr.duration", "Speech-to-text decode latency."),
		DialogueDuration:  b.stage("voxgate.dialogue.first_chunk", "Time from dialogue invocation to the first text chunk."),
		TTSDuration:       b.stage("voxgate.tts.duration", "Synthesis latency of one phrase."),
		ModelInitDuration: b.stage("voxgate.model.init.duration", "Construction time of a shared model."),

		ProviderRequests:   b.counter("voxgate.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     b.counter("voxgate.provider.errors", "Failed provider calls by provider and kind."),
		BreakerTransitions: b.counter("voxgate.provider.breaker_transitions", "Circuit breaker state changes by provider."),

		Segments:          b.counter("voxgate.gate.segments", "Speech segments emitted, by kind."),
		PhrasesSkipped:    b.counter("voxgate.synth.phrases_skipped", "Phrases that produced no audio, by reason."),
		Interrupts:        b.counter("voxgate.session.interrupts", "Client interrupts that cancelled speech."),
		SessionsExpired:   b.counter("voxgate.session.expired", "Sessions closed for inactivity."),
		ForcedGCs:         b.counter("voxgate.watchdog.forced_gc", "Collections forced by the memory watchdog."),
		AdmissionsRefused: b.counter("voxgate.admission.refused", "Connections refused, by reason."),
	}
	var err error
	m.ActiveSessions, err = b.meter.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Live voice sessions."))
	b.err = errors.Join(b.err, err)
	m.HTTPRequestDuration, err = b.meter.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request duration by method, route and status."),
		metric.WithUnit("s"))
	b.err = errors.Join(b.err, err)

	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return m, nil
}

// instruments creates instruments on meter, accumulating errors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) stage(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...))
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call ending in status.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordBreakerTransition counts provider's breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("state", state)))
}

// RecordSegment counts one gate boundary.
func (m *Metrics) RecordSegment(ctx context.Context, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.Segments.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordPhraseSkipped counts a phrase that never reached the client.
func (m *Metrics) RecordPhraseSkipped(ctx context.Context, reason string) {
	m.PhrasesSkipped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordAdmissionRefused counts a refused connection.
func (m *Metrics) RecordAdmissionRefused(ctx context.Context, reason string) {
	m.AdmissionsRefused.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}
