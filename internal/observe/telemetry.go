package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// TelemetryOptions selects what [Setup] installs.
type TelemetryOptions struct {
	ServiceName    string // default "voxgate"
	ServiceVersion string

	// SampleRatio is the fraction of new traces recorded. Values outside
	// (0,1) record every trace. Remote parents keep their own decision.
	SampleRatio float64

	// Exporters receive finished spans. With none, spans still get trace
	// IDs for log correlation but go nowhere.
	Exporters []sdktrace.SpanExporter

	// Registerer receives the Prometheus collectors; nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Telemetry is the set of SDK providers installed as the otel globals.
type Telemetry struct {
	Meters *sdkmetric.MeterProvider
	Traces *sdktrace.TracerProvider
}

// Setup builds the meter and tracer providers, installs them together with
// the W3C trace-context propagator as the otel globals, and returns them so
// the caller can flush on exit.
func Setup(ctx context.Context, o TelemetryOptions) (*Telemetry, error) {
	if o.ServiceName == "" {
		o.ServiceName = "voxgate"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.ServiceName),
		semconv.ServiceVersion(o.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var promOpts []promexporter.Option
	if o.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(o.Registerer))
	}
	reader, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if o.SampleRatio > 0 && o.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(o.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	for _, exp := range o.Exporters {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	t := &Telemetry{
		Meters: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)),
		Traces: sdktrace.NewTracerProvider(tpOpts...),
	}
	otel.SetMeterProvider(t.Meters)
	otel.SetTracerProvider(t.Traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	slog.DebugContext(ctx, "telemetry installed", "service", o.ServiceName, "exporters", len(o.Exporters))
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Traces.Shutdown(ctx), t.Meters.Shutdown(ctx))
}

// ---- span log exporter ----

// SpanLogger is a span exporter that writes each finished span as one debug
// log record. It suits deployments without a tracing backend.
type SpanLogger struct {
	Logger *slog.Logger // nil uses slog.Default()
}

var _ sdktrace.SpanExporter = (*SpanLogger)(nil)

// ExportSpans implements [sdktrace.SpanExporter].
func (l *SpanLogger) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range spans {
		attrs := []any{
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
		}
		if st := s.Status(); st.Description != "" {
			attrs = append(attrs, "error", st.Description)
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		logger.DebugContext(ctx, "span finished", attrs...)
	}
	return nil
}

// Shutdown implements [sdktrace.SpanExporter].
func (l *SpanLogger) Shutdown(context.Context) error { return nil }
