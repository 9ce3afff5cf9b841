// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	errFakeUnreachable = errors.New("broker unreachable")
	errFakeClosed      = errors.New("channel/connection is not open")
	errFakeNotFound    = errors.New("NOT_FOUND - no queue")
)

// fakeBroker is an in-memory stand-in for a broker shared by every fake link and channel.
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]bool
	consumers map[string]*fakeConsumer
	dialErr   error
	dials     int
	links     []*fakeLink
	acks      []uint64
	nextTag   uint64
}

type fakeConsumer struct {
	queue      string
	channel    *fakeChannel
	deliveries chan amqp091.Delivery
}

func newFakeBroker(queues ...string) *fakeBroker {
	b := &fakeBroker{
		queues:    make(map[string]bool),
		consumers: make(map[string]*fakeConsumer),
	}
	for _, q := range queues {
		b.queues[q] = true
	}
	return b
}

func (b *fakeBroker) Dial(ctx context.Context) (Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	l := &fakeLink{broker: b, events: make(chan Event, 8)}
	b.links = append(b.links, l)
	return l, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) lastLink() *fakeLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.links) == 0 {
		return nil
	}
	return b.links[len(b.links)-1]
}

func (b *fakeBroker) addQueue(q string) {
	b.mu.Lock()
	b.queues[q] = true
	b.mu.Unlock()
}

func (b *fakeBroker) deleteQueue(q string) {
	b.mu.Lock()
	delete(b.queues, q)
	b.mu.Unlock()
}

// consumerCount returns the number of live consumers on queue.
func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.consumers {
		if c.queue == queue {
			n++
		}
	}
	return n
}

// publish delivers body to the first consumer of queue. It reports whether a consumer existed.
func (b *fakeBroker) publish(queue string, body []byte) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.consumers {
		if c.queue != queue {
			continue
		}
		b.nextTag++
		c.deliveries <- amqp091.Delivery{
			DeliveryTag: b.nextTag,
			Body:        body,
			RoutingKey:  queue,
			ContentType: "application/json",
		}
		return b.nextTag, true
	}
	return 0, false
}

// consumerChannel returns the channel holding the first consumer of queue.
func (b *fakeBroker) consumerChannel(queue string) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.consumers {
		if c.queue == queue {
			return c.channel
		}
	}
	return nil
}

func (b *fakeBroker) ackedTags() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

type fakeLink struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	channels []*fakeChannel
	opened   int
	events   chan Event
}

func (l *fakeLink) Channel() (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errFakeClosed
	}
	ch := &fakeChannel{broker: l.broker, link: l, events: make(chan Event, 8)}
	l.channels = append(l.channels, ch)
	l.opened++
	return ch, nil
}

func (l *fakeLink) Events() <-chan Event {
	return l.events
}

func (l *fakeLink) Close() error {
	l.shutdown(nil)
	return nil
}

// fail simulates a transport failure reported with kind before the final close.
func (l *fakeLink) fail(kind EventKind) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	emit(l.events, Event{Kind: kind, Err: errFakeUnreachable})
	l.mu.Unlock()

	l.shutdown(errFakeUnreachable)
}

func (l *fakeLink) shutdown(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	channels := append([]*fakeChannel(nil), l.channels...)
	l.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	emit(l.events, Event{Kind: EventClose, Err: err})
	close(l.events)
}

func (l *fakeLink) channelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// channel returns the i-th channel opened on the link. The first one is the long-lived channel.
func (l *fakeLink) channel(i int) *fakeChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channels[i]
}

type fakeChannel struct {
	broker *fakeBroker
	link   *fakeLink

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) DeclarePassive(queue string) error {
	if c.isClosed() {
		return errFakeClosed
	}

	c.broker.mu.Lock()
	exists := c.broker.queues[queue]
	c.broker.mu.Unlock()

	if !exists {
		// Brokers close the channel on a failed passive declare.
		c.fail(EventError, errFakeNotFound)
		return errFakeNotFound
	}
	return nil
}

func (c *fakeChannel) Consume(queue, consumerTag string) (<-chan amqp091.Delivery, error) {
	if c.isClosed() {
		return nil, errFakeClosed
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if !c.broker.queues[queue] {
		return nil, errFakeNotFound
	}
	cons := &fakeConsumer{queue: queue, channel: c, deliveries: make(chan amqp091.Delivery, 16)}
	c.broker.consumers[consumerTag] = cons
	return cons.deliveries, nil
}

func (c *fakeChannel) Cancel(consumerTag string) error {
	if c.isClosed() {
		return errFakeClosed
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if cons, ok := c.broker.consumers[consumerTag]; ok {
		delete(c.broker.consumers, consumerTag)
		close(cons.deliveries)
	}
	return nil
}

func (c *fakeChannel) Ack(deliveryTag uint64) error {
	if c.isClosed() {
		return errFakeClosed
	}

	c.broker.mu.Lock()
	c.broker.acks = append(c.broker.acks, deliveryTag)
	c.broker.mu.Unlock()
	return nil
}

func (c *fakeChannel) Events() <-chan Event {
	return c.events
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// fail simulates a session failure reported with kind before the final close.
func (c *fakeChannel) fail(kind EventKind, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	emit(c.events, Event{Kind: kind, Err: err})
	c.mu.Unlock()

	c.shutdown(err)
}

func (c *fakeChannel) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.mu.Lock()
	for tag, cons := range c.broker.consumers {
		if cons.channel == c {
			delete(c.broker.consumers, tag)
			close(cons.deliveries)
		}
	}
	c.broker.mu.Unlock()

	emit(c.events, Event{Kind: EventClose, Err: err})
	close(c.events)
}

func emit(events chan Event, ev Event) {
	select {
	case events <- ev:
	default:
	}
}

type fakeMetrics struct {
	mu       sync.Mutex
	retries  map[string]int
	failures map[string]int
	tenants  int
	acks     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{retries: make(map[string]int), failures: make(map[string]int)}
}

func (f *fakeMetrics) RecordTenants(count int) {
	f.mu.Lock()
	f.tenants = count
	f.mu.Unlock()
}

func (f *fakeMetrics) RecordTenantFailure(op string) {
	f.mu.Lock()
	f.failures[op]++
	f.mu.Unlock()
}

func (f *fakeMetrics) RecordRetry(kind string) {
	f.mu.Lock()
	f.retries[kind]++
	f.mu.Unlock()
}

func (f *fakeMetrics) RecordDelivery(string) {}

func (f *fakeMetrics) RecordAck() {
	f.mu.Lock()
	f.acks++
	f.mu.Unlock()
}

func (f *fakeMetrics) retryCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries[kind]
}
