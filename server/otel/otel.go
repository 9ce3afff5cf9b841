// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabmob/mob-sub003/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const exportTimeout = 30 * time.Second

// Provider owns the worker's meter provider and, when traces are enabled,
// its tracer provider. Both are installed as the global providers.
type Provider struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

// Setup exports metrics over OTLP gRPC to cfg.Endpoint. Traces are exported
// only when cfg.TracesEnabled is set; otherwise the global tracer is a no-op.
func Setup(ctx context.Context, cfg config.TelemetryConfig, instanceID string) (*Provider, error) {
	res := newResource(cfg, instanceID)

	metricOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.ExportInterval))

	var spans sdktrace.SpanExporter
	if cfg.TracesEnabled {
		traceOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(exportTimeout),
		}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		}
		spans, err = otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			_ = reader.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	return newProvider(res, reader, spans, cfg.TraceSampleRate), nil
}

// newProvider wires the providers around an already built reader and optional span exporter.
func newProvider(res *resource.Resource, reader sdkmetric.Reader, spans sdktrace.SpanExporter, sampleRate float64) *Provider {
	p := &Provider{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
	}
	otel.SetMeterProvider(p.meters)

	if spans == nil {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		return p
	}

	p.tracers = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracers)
	return p
}

func newResource(cfg config.TelemetryConfig, instanceID string) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(instanceID),
	)
}

// Metrics creates the consumer instruments on the provider's meters.
func (p *Provider) Metrics() (*Metrics, error) {
	return NewMetrics(p.meters)
}

// TracesEnabled reports whether spans are exported.
func (p *Provider) TracesEnabled() bool {
	return p.tracers != nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracers != nil {
		errs = append(errs, p.tracers.Shutdown(ctx))
	}
	errs = append(errs, p.meters.Shutdown(ctx))
	return errors.Join(errs...)
}
