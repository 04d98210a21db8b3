package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestProviderRecordsIntoRegistry(t *testing.T) {
	p, shutdown, err := NewProvider(context.Background(), "spine",
		core.MetricsConfig{Backend: "prometheus"},
		core.TracingConfig{Backend: "none"}, nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	require.NotNil(t, p.Registry())
	p.RecordMetric("dispatch_submitted_total", 1, map[string]string{"workflow": "w"})

	counter, err := p.registry.counters["dispatch_submitted_total"].GetMetricWithLabelValues("w")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))

	ctx, span := p.StartSpan(context.Background(), "dispatch.submit")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.SetAttribute("workflow", "w")
	span.SetAttribute("attempt", 1)
	span.RecordError(core.NewError(core.CategoryInternal, "boom"))
	span.RecordError(nil)
	span.End()
}

func TestProviderWithMetricsDisabled(t *testing.T) {
	p, shutdown, err := NewProvider(context.Background(), "spine",
		core.MetricsConfig{Backend: "none"},
		core.TracingConfig{}, nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	assert.Nil(t, p.Registry())
	p.RecordMetric("dispatch_submitted_total", 1, nil)
}

func TestInitTracingBackends(t *testing.T) {
	ctx := context.Background()

	tr, err := InitTracing(ctx, "spine", core.TracingConfig{Backend: "none"})
	require.NoError(t, err)
	require.NotNil(t, tr.Tracer())
	require.NoError(t, tr.Shutdown(ctx))

	tr, err = InitTracing(ctx, "spine", core.TracingConfig{Backend: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, tr.Tracer())
	require.NoError(t, tr.Shutdown(ctx))

	_, err = InitTracing(ctx, "spine", core.TracingConfig{Backend: "jaeger"})
	require.Error(t, err)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))
}
