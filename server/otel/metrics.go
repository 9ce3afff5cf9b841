// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/fabmob/mob-sub003/consumer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mob-subscription-consumer"

// Metrics holds OpenTelemetry instruments for the consumer manager.
type Metrics struct {
	meter metric.Meter

	tenantsActive  metric.Int64Gauge
	tenantFailures metric.Int64Counter
	retriesTotal   metric.Int64Counter
	deliveries     metric.Int64Counter
	acks           metric.Int64Counter
}

var _ consumer.Metrics = (*Metrics)(nil)

// NewMetrics creates the instruments from mp. A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(meterName)}

	var err error

	m.tenantsActive, err = m.meter.Int64Gauge(
		"consumer.tenants.active",
		metric.WithDescription("Number of tenants with an active subscription"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenantsActive gauge: %w", err)
	}

	m.tenantFailures, err = m.meter.Int64Counter(
		"consumer.tenant.failures.total",
		metric.WithDescription("Failed tenant subscribe or cancel operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenantFailures counter: %w", err)
	}

	m.retriesTotal, err = m.meter.Int64Counter(
		"consumer.retries.total",
		metric.WithDescription("Scheduled broker recovery retries by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriesTotal counter: %w", err)
	}

	m.deliveries, err = m.meter.Int64Counter(
		"consumer.deliveries.total",
		metric.WithDescription("Deliveries forwarded to the parent process"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.acks, err = m.meter.Int64Counter(
		"consumer.acks.total",
		metric.WithDescription("Deliveries acknowledged on the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acks counter: %w", err)
	}

	return m, nil
}

// RecordTenants records the current registry size.
func (m *Metrics) RecordTenants(count int) {
	m.tenantsActive.Record(context.Background(), int64(count))
}

// RecordTenantFailure records a failed tenant operation.
func (m *Metrics) RecordTenantFailure(op string) {
	m.tenantFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", op),
	))
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(kind string) {
	m.retriesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordDelivery records a delivery forwarded for tenant.
func (m *Metrics) RecordDelivery(tenant string) {
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
	))
}

// RecordAck records an acknowledged delivery.
func (m *Metrics) RecordAck() {
	m.acks.Add(context.Background(), 1)
}
