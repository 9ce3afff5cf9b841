// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fabmob/mob-sub003/ipc"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tenantResult struct {
	reg Registration
	err error
}

// addConsumers subscribes every tenant concurrently. A failure for one tenant is
// logged and leaves it out of the registry without affecting the others.
func (m *Manager) addConsumers(ctx context.Context, tenants []string) {
	tenants = uniqueTenants(tenants)
	if len(tenants) == 0 {
		return
	}

	link, ch := m.link, m.channel
	if link == nil || ch == nil || !m.channelAlive {
		for _, tenant := range tenants {
			m.logger.Warn("Cannot subscribe tenant",
				slog.String("tenant", tenant),
				slog.Any("error", ErrChannelUnavailable))
			m.metrics.RecordTenantFailure("subscribe")
		}
		return
	}

	pending := make([]string, 0, len(tenants))
	for _, tenant := range tenants {
		if m.registry.has(tenant) {
			m.logger.Debug("Tenant already subscribed", slog.String("tenant", tenant))
			continue
		}
		pending = append(pending, tenant)
	}

	results := make([]tenantResult, len(pending))
	var wg sync.WaitGroup
	for i, tenant := range pending {
		wg.Add(1)
		go func(i int, tenant string) {
			defer wg.Done()
			results[i] = m.subscribe(ctx, link, ch, tenant)
		}(i, tenant)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			m.logger.Warn("Failed to subscribe tenant",
				slog.String("tenant", res.reg.Tenant),
				slog.String("queue", res.reg.Queue),
				slog.Any("error", res.err))
			m.metrics.RecordTenantFailure("subscribe")
			continue
		}
		m.registry.add(res.reg)
		m.logger.Info("Tenant subscribed",
			slog.String("tenant", res.reg.Tenant),
			slog.String("queue", res.reg.Queue))
	}
	m.metrics.RecordTenants(m.registry.len())
}

// removeConsumers cancels the subscription of every registered tenant in the list.
// A tenant whose queue no longer exists keeps its registry entry.
func (m *Manager) removeConsumers(ctx context.Context, tenants []string) {
	var targets []Registration
	for _, tenant := range uniqueTenants(tenants) {
		if reg, ok := m.registry.get(tenant); ok {
			targets = append(targets, reg)
		}
	}
	if len(targets) == 0 {
		return
	}

	link, ch := m.link, m.channel
	if link == nil || ch == nil || !m.channelAlive {
		for _, reg := range targets {
			m.logger.Warn("Cannot cancel tenant subscription",
				slog.String("tenant", reg.Tenant),
				slog.Any("error", ErrChannelUnavailable))
			m.metrics.RecordTenantFailure("cancel")
		}
		return
	}

	results := make([]tenantResult, len(targets))
	var wg sync.WaitGroup
	for i, reg := range targets {
		wg.Add(1)
		go func(i int, reg Registration) {
			defer wg.Done()
			results[i] = m.cancel(ctx, link, ch, reg)
		}(i, reg)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			m.logger.Warn("Failed to cancel tenant subscription",
				slog.String("tenant", res.reg.Tenant),
				slog.String("queue", res.reg.Queue),
				slog.Any("error", res.err))
			m.metrics.RecordTenantFailure("cancel")
			continue
		}
		m.registry.remove(res.reg.Tenant)
		m.logger.Info("Tenant unsubscribed", slog.String("tenant", res.reg.Tenant))
	}
	m.metrics.RecordTenants(m.registry.len())
}

func (m *Manager) subscribe(ctx context.Context, link Link, ch Channel, tenant string) tenantResult {
	reg := Registration{
		Tenant:      tenant,
		Queue:       m.cfg.QueueName(tenant),
		ConsumerTag: consumerTag(tenant),
	}

	spanCtx, span := m.tracer.Start(ctx, "consumer.subscribe", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("queue", reg.Queue),
	))
	defer span.End()

	if err := m.checkExistingQueue(spanCtx, link, tenant); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return tenantResult{reg: reg, err: err}
	}

	deliveries, err := ch.Consume(reg.Queue, reg.ConsumerTag)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return tenantResult{reg: reg, err: fmt.Errorf("failed to consume: %w", err)}
	}

	go m.forward(ctx, reg, ch, deliveries)
	return tenantResult{reg: reg}
}

func (m *Manager) cancel(ctx context.Context, link Link, ch Channel, reg Registration) tenantResult {
	if err := m.checkExistingQueue(ctx, link, reg.Tenant); err != nil {
		return tenantResult{reg: reg, err: err}
	}
	if err := ch.Cancel(reg.ConsumerTag); err != nil {
		return tenantResult{reg: reg, err: fmt.Errorf("failed to cancel: %w", err)}
	}
	return tenantResult{reg: reg}
}

// checkExistingQueue passively asserts the tenant's queue on a throwaway channel,
// so a missing queue never closes the long-lived one. It returns nil if the queue exists.
func (m *Manager) checkExistingQueue(ctx context.Context, link Link, tenant string) error {
	queue := m.cfg.QueueName(tenant)

	return m.guard.run(ctx, tenant, func() error {
		tmp, err := link.Channel()
		if err != nil {
			return fmt.Errorf("failed to open check channel: %w", err)
		}
		defer tmp.Close()

		if err := tmp.DeclarePassive(queue); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrQueueNotFound, queue, err)
		}
		return nil
	})
}

// forward relays deliveries to the parent until the broker closes the stream.
func (m *Manager) forward(ctx context.Context, reg Registration, ch Channel, deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		id := uuid.NewString()
		m.inflight.add(id, inflightEntry{tenant: reg.Tenant, channel: ch, tag: d.DeliveryTag})

		msg := ipc.ConsumeMessage(ipc.Delivery{
			ID:          id,
			Tenant:      reg.Tenant,
			Queue:       reg.Queue,
			Body:        d.Body,
			ContentType: d.ContentType,
			Headers:     map[string]any(d.Headers),
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			MessageID:   d.MessageId,
			Redelivered: d.Redelivered,
			Timestamp:   d.Timestamp,
		})
		if err := m.bridge.Send(ctx, msg); err != nil {
			m.inflight.take(id)
			m.logger.Warn("Failed to forward delivery",
				slog.String("tenant", reg.Tenant),
				slog.Any("error", err))
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m.metrics.RecordDelivery(reg.Tenant)
		m.logger.Debug("Delivery forwarded",
			slog.String("tenant", reg.Tenant),
			slog.String("id", id))
	}
	m.logger.Debug("Delivery stream closed", slog.String("tenant", reg.Tenant))
}

func consumerTag(tenant string) string {
	return "ctag-" + tenant + "-" + uuid.NewString()
}

func uniqueTenants(tenants []string) []string {
	seen := make(map[string]struct{}, len(tenants))
	out := make([]string, 0, len(tenants))
	for _, t := range tenants {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
