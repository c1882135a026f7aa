package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/vela-ai/taskmesh/runtime/taskerrors"
)

type (
	// ClueLogger wraps goa.design/clue/log for runtime logging.
	ClueLogger struct{}

	// ClueMetrics wraps OTEL metrics for runtime instrumentation.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer wraps OTEL tracing for runtime tracing.
	ClueTracer struct {
		tracer trace.Tracer
	}

	// clueSpan wraps an OTEL trace span.
	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// The logger reads formatting and debug settings from the context (set via
// log.Context and log.WithFormat/log.WithDebug).
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewClueMetrics constructs a Metrics recorder that delegates to OTEL metrics.
// Uses the global MeterProvider; configure it via otel.SetMeterProvider before
// invoking runtime methods (typically done via clue.ConfigureOpenTelemetry).
func NewClueMetrics() Metrics {
	meter := otel.Meter("github.com/vela-ai/taskmesh/runtime")
	return &ClueMetrics{meter: meter}
}

// NewClueTracer constructs a Tracer that delegates to OTEL tracing.
// Uses the global TracerProvider; configure it via otel.SetTracerProvider before
// invoking runtime methods (typically done via clue.ConfigureOpenTelemetry or
// environment variables like OTEL_EXPORTER_OTLP_ENDPOINT).
func NewClueTracer() Tracer {
	tracer := otel.Tracer("github.com/vela-ai/taskmesh/runtime")
	return &ClueTracer{tracer: tracer}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, fieldsOf(keyvals)...)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, fieldsOf(keyvals)...)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}
	log.Warn(ctx, append(fielders, fieldsOf(keyvals)...)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, fieldsOf(keyvals)...)...)
}

// IncCounter increments a counter metric by the given value.
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrsOf(tagPairs(tags))...))
}

// RecordTimer records a duration histogram/timer metric, in milliseconds.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), float64(duration)/float64(time.Millisecond), metric.WithAttributes(attrsOf(tagPairs(tags))...))
}

// RecordGauge records a gauge metric value.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	// OTEL doesn't have synchronous gauges; use an observable gauge or histogram as fallback
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(attrsOf(tagPairs(tags))...))
}

// Start creates a new span with the given name and optional attributes, returning
// a new context and the span handle.
func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &clueSpan{span: span}
}

// Span retrieves the current span from the context.
func (t *ClueTracer) Span(ctx context.Context) Span {
	span := trace.SpanFromContext(ctx)
	return &clueSpan{span: span}
}

// End finalizes the span, optionally applying additional options.
func (s *clueSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

// AddEvent records a span event with the given name and attributes.
func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(attrsOf(pairsOf(attrs))...))
}

// SetStatus sets the span status code and description.
func (s *clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordError records an error on the span with optional attributes.
func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// kvPair is one key/value entry out of a flattened (k1, v1, k2, v2, ...)
// variadic slice. Both Debug/Info/Warn/Error fielders and span/metric
// attributes are built by walking a []kvPair, so the pairing logic (odd
// length tolerance, key coercion) lives in exactly one place.
type kvPair struct {
	key string
	val any
}

// pairsOf flattens a (k1, v1, k2, v2, ...) variadic slice into kvPairs. A
// non-string key is dropped; a dangling trailing key is paired with nil.
func pairsOf(keyvals []any) []kvPair {
	var pairs []kvPair
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		pairs = append(pairs, kvPair{key: key, val: v})
	}
	return pairs
}

// tagPairs does the same flattening for the string-only tag lists IncCounter/
// RecordTimer/RecordGauge take, so both call sites share pairsOf/attrsOf.
func tagPairs(tags []string) []kvPair {
	anys := make([]any, len(tags))
	for i, t := range tags {
		anys[i] = t
	}
	return pairsOf(anys)
}

// fieldsOf renders kvPairs as Clue log fields.
func fieldsOf(keyvals []any) []log.Fielder {
	pairs := pairsOf(keyvals)
	fielders := make([]log.Fielder, len(pairs))
	for i, p := range pairs {
		fielders[i] = log.KV{K: p.key, V: p.val}
	}
	return fielders
}

// attrsOf renders kvPairs as OTEL attributes, typing the common domain value
// kinds (taskerrors.Kind renders as its string form, not a generic fallback)
// alongside the Go primitives Start/AddEvent/metrics calls pass.
func attrsOf(pairs []kvPair) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, len(pairs))
	for i, p := range pairs {
		attrs[i] = attrOf(p.key, p.val)
	}
	return attrs
}

func attrOf(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case taskerrors.Kind:
		return attribute.String(key, string(val))
	case string:
		return attribute.String(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	case bool:
		return attribute.Bool(key, val)
	case nil:
		return attribute.String(key, "")
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}
