package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Provider implements core.Telemetry over the prometheus registry and
// the installed tracer. It is what the server assembly hands to the
// dispatcher, engine, and scheduler.
type Provider struct {
	tracer   trace.Tracer
	registry *Registry
}

// NewProvider assembles telemetry from the metrics and tracing
// configuration. The returned shutdown function flushes tracing.
func NewProvider(ctx context.Context, serviceName string, metrics core.MetricsConfig, tracing core.TracingConfig, logger core.Logger) (*Provider, func(context.Context) error, error) {
	var registry *Registry
	if metrics.Backend == "prometheus" {
		registry = NewRegistry(logger)
	}
	tr, err := InitTracing(ctx, serviceName, tracing)
	if err != nil {
		return nil, nil, err
	}
	return &Provider{tracer: tr.Tracer(), registry: registry}, tr.Shutdown, nil
}

// Registry returns the prometheus registry, nil when metrics are
// disabled.
func (p *Provider) Registry() *Registry { return p.registry }

// StartSpan opens a span under the current trace.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric routes the observation to prometheus. A nil registry
// makes this a no-op.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	if p.registry == nil {
		return
	}
	p.registry.Record(name, value, labels)
}

// otelSpan adapts an OpenTelemetry span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
