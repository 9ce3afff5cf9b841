// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/fabmob/mob-sub003/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testTelemetryConfig() config.TelemetryConfig {
	return config.Default().Telemetry
}

func TestProviderMetricsOnly(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p := newProvider(newResource(testTelemetryConfig(), "instance-1"), reader, nil, 1)
	defer p.Shutdown(context.Background())

	assert.False(t, p.TracesEnabled())
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	m, err := p.Metrics()
	require.NoError(t, err)
	m.RecordTenants(4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	name, ok := rm.Resource.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "mob-subscription-consumer", name.AsString())
	instance, ok := rm.Resource.Set().Value("service.instance.id")
	require.True(t, ok)
	assert.Equal(t, "instance-1", instance.AsString())

	gauge, ok := collect(t, reader)["consumer.tenants.active"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(4), gauge.DataPoints[0].Value)
}

func TestProviderExportsSpans(t *testing.T) {
	spans := tracetest.NewInMemoryExporter()
	p := newProvider(newResource(testTelemetryConfig(), "instance-1"), sdkmetric.NewManualReader(), spans, 1)

	assert.True(t, p.TracesEnabled())
	_, span := otel.Tracer("test").Start(context.Background(), "consumer.update")
	span.End()

	defer p.Shutdown(context.Background())

	require.NoError(t, p.tracers.ForceFlush(context.Background()))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "consumer.update", got[0].Name)
}
