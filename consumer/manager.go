// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fabmob/mob-sub003/ipc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fabmob/mob-sub003/consumer"

// DefaultRetryDelay is the fixed delay applied to connection and channel retries.
const DefaultRetryDelay = 10 * time.Second

// Config configures a Manager.
type Config struct {
	// RetryEnabled gates connection retries. Channel retries are always enabled.
	RetryEnabled bool
	RetryDelay   time.Duration

	// QueueName maps a tenant id to its queue. Nil uses the tenant id as is.
	QueueName func(tenant string) string

	// QueueCheckRate limits throwaway channel opens per second. Zero means unlimited.
	QueueCheckRate  float64
	QueueCheckBurst int

	// BreakerThreshold is the number of consecutive queue checks that fail to
	// reach the broker after which a tenant's checks are suspended for
	// BreakerResetTimeout. A missing queue does not count. Zero disables it.
	BreakerThreshold    uint32
	BreakerResetTimeout time.Duration
}

// Status is a point-in-time view of the manager.
type Status struct {
	State          State    `json:"state"`
	Tenants        []string `json:"tenants"`
	PendingRetries []string `json:"pending_retries,omitempty"`
	InFlight       int      `json:"in_flight"`
}

type eventSource int

const (
	sourceConnection eventSource = iota
	sourceChannel
)

type lifecycleEvent struct {
	source  eventSource
	link    Link
	channel Channel
	event   Event
}

// Manager keeps a live, remotely reconfigurable set of per-tenant consumers.
//
// All mutations of the link, channel and registry happen on the goroutine
// running Run: inbound commands, lifecycle events and fired retries are
// handled one at a time in arrival order.
type Manager struct {
	cfg     Config
	dialer  Dialer
	bridge  Bridge
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	state    *stateManager
	registry *registry
	retries  *retryScheduler
	inflight *inflight
	guard    *checkGuard

	link         Link
	linkAlive    bool
	channel      Channel
	channelAlive bool
	readySent    bool

	lifecycle chan lifecycleEvent
	done      chan struct{}
	running   atomic.Bool
}

// New creates a Manager. A nil logger uses slog.Default and nil metrics are discarded.
func New(cfg Config, dialer Dialer, bridge Bridge, logger *slog.Logger, metrics Metrics) (*Manager, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}
	if bridge == nil {
		return nil, ErrNilBridge
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.QueueName == nil {
		cfg.QueueName = func(tenant string) string { return tenant }
	}

	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		bridge:    bridge,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		state:     newStateManager(),
		registry:  newRegistry(),
		retries:   newRetryScheduler(cfg.RetryDelay),
		inflight:  newInflight(),
		guard:     newCheckGuard(cfg, logger),
		lifecycle: make(chan lifecycleEvent, 16),
		done:      make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.state.get()
}

// Tenants returns the sorted ids of tenants with an active subscription.
func (m *Manager) Tenants() []string {
	return m.registry.tenants()
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	st := Status{
		State:    m.state.get(),
		Tenants:  m.registry.tenants(),
		InFlight: m.inflight.len(),
	}
	for _, kind := range m.retries.pendingKinds() {
		st.PendingRetries = append(st.PendingRetries, kind.String())
	}
	return st
}

// Run starts the manager and processes commands, lifecycle events and retries
// until ctx is cancelled or the parent bridge closes.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.shutdown()

	_ = m.start(ctx)

	commands := m.bridge.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.bridge.Done():
			m.drainCommands(ctx, commands)
			m.logger.Info("Parent bridge closed, stopping consumer manager")
			return ErrBridgeClosed
		case msg, ok := <-commands:
			if !ok {
				m.logger.Info("Parent bridge closed, stopping consumer manager")
				return ErrBridgeClosed
			}
			m.handleCommand(ctx, msg)
		case ev := <-m.lifecycle:
			m.handleEvent(ev)
		case kind := <-m.retries.fired:
			m.handleRetry(ctx, kind)
		}
	}
}

// drainCommands handles commands the bridge buffered before it closed.
func (m *Manager) drainCommands(ctx context.Context, commands <-chan ipc.Message) {
	for {
		select {
		case msg, ok := <-commands:
			if !ok {
				return
			}
			m.handleCommand(ctx, msg)
		default:
			return
		}
	}
}

// start establishes the link and the long-lived channel. On failure it arms a
// connection retry and returns the error; it never escalates further.
func (m *Manager) start(ctx context.Context) error {
	m.state.set(StateConnecting)

	link, err := m.dialer.Dial(ctx)
	if err != nil {
		m.logger.Warn("Broker unreachable", slog.Any("error", err))
		m.state.set(StateDegradedConnection)
		m.retryConnection()
		return err
	}

	ch, err := link.Channel()
	if err != nil {
		_ = link.Close()
		m.logger.Warn("Failed to open broker channel", slog.Any("error", err))
		m.state.set(StateDegradedConnection)
		m.retryConnection()
		return err
	}

	m.link, m.linkAlive = link, true
	m.channel, m.channelAlive = ch, true
	go m.watch(ctx, lifecycleEvent{source: sourceConnection, link: link}, link.Events())
	go m.watch(ctx, lifecycleEvent{source: sourceChannel, channel: ch}, ch.Events())

	m.state.set(StateReady)
	m.logger.Info("Connected to broker")

	if !m.readySent {
		if err := m.bridge.Send(ctx, ipc.ReadyMessage()); err != nil {
			m.logger.Error("Failed to announce readiness", slog.Any("error", err))
		} else {
			m.readySent = true
		}
	}
	return nil
}

// watch forwards the events of one link or channel into the run loop.
func (m *Manager) watch(ctx context.Context, origin lifecycleEvent, events <-chan Event) {
	for ev := range events {
		origin.event = ev
		select {
		case m.lifecycle <- origin:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleEvent(ev lifecycleEvent) {
	switch ev.source {
	case sourceConnection:
		if ev.link != m.link {
			m.logger.Debug("Ignoring event from replaced connection", slog.String("event", ev.event.Kind.String()))
			return
		}
		m.logger.Warn("Broker connection event",
			slog.String("event", ev.event.Kind.String()),
			slog.Any("error", ev.event.Err))
		if ev.event.Kind == EventError {
			return
		}
		m.linkAlive = false
		m.channelAlive = false
		m.state.set(StateDegradedConnection)
		m.retryConnection()

	case sourceChannel:
		if ev.channel != m.channel {
			m.logger.Debug("Ignoring event from replaced channel", slog.String("event", ev.event.Kind.String()))
			return
		}
		m.channelAlive = false
		if ev.event.Kind == EventClose {
			// No retry on close: it follows an error/exit that already armed one, or a shutdown.
			m.logger.Info("Broker channel closed")
			return
		}
		m.logger.Warn("Broker channel event",
			slog.String("event", ev.event.Kind.String()),
			slog.Any("error", ev.event.Err))
		m.state.transition(StateReady, StateDegradedChannel)
		m.retryChannel()
	}
}

// retryConnection arms a single delayed reconnect, unless retries are disabled.
func (m *Manager) retryConnection() {
	if !m.cfg.RetryEnabled {
		m.logger.Warn("Connection retry disabled, staying degraded until restarted")
		return
	}
	if m.retries.schedule(RetryConnection) {
		m.metrics.RecordRetry(RetryConnection.String())
		m.logger.Info("Connection retry scheduled", slog.Duration("delay", m.cfg.RetryDelay))
	}
}

// retryChannel arms a single delayed channel recreation.
func (m *Manager) retryChannel() {
	if m.retries.schedule(RetryChannel) {
		m.metrics.RecordRetry(RetryChannel.String())
		m.logger.Info("Channel retry scheduled", slog.Duration("delay", m.cfg.RetryDelay))
	}
}

func (m *Manager) handleRetry(ctx context.Context, kind RetryKind) {
	m.retries.begin(kind)

	switch kind {
	case RetryConnection:
		m.logger.Info("Retrying broker connection")
		m.teardown()
		if err := m.start(ctx); err != nil {
			return
		}
		m.restartConsumers(ctx)

	case RetryChannel:
		m.reopenChannel(ctx)
	}
}

// reopenChannel replaces the long-lived channel and replays subscriptions.
func (m *Manager) reopenChannel(ctx context.Context) {
	if m.link == nil || !m.linkAlive {
		m.logger.Info("Skipping channel retry, connection unavailable")
		return
	}
	if m.channel != nil && m.channelAlive {
		m.logger.Debug("Skipping channel retry, channel healthy")
		return
	}

	m.logger.Info("Retrying broker channel")
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}

	ch, err := m.link.Channel()
	if err != nil {
		m.logger.Warn("Failed to reopen broker channel", slog.Any("error", err))
		m.retryChannel()
		return
	}

	m.channel, m.channelAlive = ch, true
	go m.watch(ctx, lifecycleEvent{source: sourceChannel, channel: ch}, ch.Events())
	if n := m.inflight.dropExcept(ch); n > 0 {
		m.logger.Info("Dropped unacknowledged deliveries from replaced channel", slog.Int("count", n))
	}

	m.state.transition(StateDegradedChannel, StateReady)
	m.restartConsumers(ctx)
}

// restartConsumers replays every registered tenant on the current channel.
func (m *Manager) restartConsumers(ctx context.Context) {
	if m.link == nil || m.channel == nil || m.registry.len() == 0 {
		return
	}

	tenants := m.registry.tenants()
	m.registry.clear()
	m.logger.Info("Replaying consumers", slog.Int("tenants", len(tenants)))
	m.addConsumers(ctx, tenants)
	m.logger.Info("Consumers replayed",
		slog.Int("requested", len(tenants)),
		slog.Int("registered", m.registry.len()))
}

// teardown closes and forgets the link and channel.
func (m *Manager) teardown() {
	if m.channel != nil {
		_ = m.channel.Close()
	}
	if m.link != nil {
		_ = m.link.Close()
	}
	m.channel, m.channelAlive = nil, false
	m.link, m.linkAlive = nil, false
	m.inflight.dropExcept(nil)
}

func (m *Manager) shutdown() {
	close(m.done)
	m.retries.stop()
	m.teardown()
	m.state.set(StateStopped)
	m.logger.Info("Consumer manager stopped")
}

func (m *Manager) handleCommand(ctx context.Context, msg ipc.Message) {
	switch msg.Type {
	case ipc.TypeUpdate:
		if msg.Update == nil {
			m.logger.Warn("Ignoring update without payload")
			return
		}
		ctx, span := m.tracer.Start(ctx, "consumer.update", trace.WithAttributes(
			attribute.Int("tenants.add", len(msg.Update.Add)),
			attribute.Int("tenants.remove", len(msg.Update.Remove)),
		))
		defer span.End()

		m.logger.Debug("Processing update",
			slog.Int("add", len(msg.Update.Add)),
			slog.Int("remove", len(msg.Update.Remove)))
		m.removeConsumers(ctx, msg.Update.Remove)
		m.addConsumers(ctx, msg.Update.Add)

	case ipc.TypeAck:
		if msg.Ack == nil {
			m.logger.Warn("Ignoring ack without payload")
			return
		}
		m.ack(msg.Ack.ID)

	default:
		m.logger.Warn("Ignoring unexpected command", slog.String("type", string(msg.Type)))
	}
}

func (m *Manager) ack(id string) {
	entry, ok := m.inflight.take(id)
	if !ok {
		m.logger.Warn("Ignoring ack for unknown delivery", slog.String("id", id))
		return
	}
	if entry.channel != m.channel || !m.channelAlive {
		m.logger.Warn("Ignoring ack for delivery from replaced channel",
			slog.String("id", id),
			slog.String("tenant", entry.tenant))
		return
	}
	if err := entry.channel.Ack(entry.tag); err != nil {
		m.logger.Warn("Failed to acknowledge delivery",
			slog.String("id", id),
			slog.String("tenant", entry.tenant),
			slog.Any("error", err))
		return
	}
	m.metrics.RecordAck()
}
