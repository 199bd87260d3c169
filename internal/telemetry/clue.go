package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	clueLogger struct{}

	clueMetrics struct {
		meter metric.Meter
	}

	clueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger that delegates to goa.design/clue/log. The
// logger reads formatting/debug settings from the context, configured at
// startup via clue.ConfigureOpenTelemetry / log.Context.
func NewClueLogger() Logger { return clueLogger{} }

// NewClueMetrics returns a Metrics recorder backed by the global OTEL
// MeterProvider. Configure the provider before use, typically via
// clue.ConfigureOpenTelemetry.
func NewClueMetrics() Metrics {
	return &clueMetrics{meter: otel.Meter("github.com/edgerun/edgerund")}
}

// NewClueTracer returns a Tracer backed by the global OTEL TracerProvider.
func NewClueTracer() Tracer {
	return &clueTracer{tracer: otel.Tracer("github.com/edgerun/edgerund")}
}

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, logFields(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, logFields(msg, keyvals)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fields := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvToFielders(keyvals)...)
	log.Warn(ctx, fields...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, logFields(msg, keyvals)...)
}

func logFields(msg string, keyvals []any) []log.Fielder {
	return append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)
}

func kvToFielders(keyvals []any) []log.Fielder {
	var out []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

func (m *clueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *clueMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func (m *clueMetrics) RecordGauge(name string, value float64, tags ...string) {
	h, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func (t *clueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &clueSpan{span: span}
}

func (s *clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *clueSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }

func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, val))
		case int:
			attrs = append(attrs, attribute.Int(key, val))
		case int64:
			attrs = append(attrs, attribute.Int64(key, val))
		case float64:
			attrs = append(attrs, attribute.Float64(key, val))
		case bool:
			attrs = append(attrs, attribute.Bool(key, val))
		default:
			attrs = append(attrs, attribute.String(key, ""))
		}
	}
	return attrs
}
