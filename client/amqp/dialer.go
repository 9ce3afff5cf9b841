// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fabmob/mob-sub003/consumer"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections for the consumer manager.
type Dialer struct {
	opts *Options
}

var _ consumer.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer. Nil options use the defaults.
func NewDialer(opts *Options) (*Dialer, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{opts: opts}, nil
}

// Dial establishes a new connection. ctx bounds the TCP dial; DialTimeout
// bounds both the TCP dial and the protocol handshake.
func (d *Dialer) Dial(ctx context.Context) (consumer.Link, error) {
	url, err := d.opts.dialURL()
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	netDialer := &net.Dialer{Timeout: d.opts.DialTimeout}
	props := amqp091.NewConnectionProperties()
	if d.opts.ConnectionName != "" {
		props.SetClientConnectionName(d.opts.ConnectionName)
	}

	cfg := amqp091.Config{
		TLSClientConfig: d.opts.TLSConfig,
		Heartbeat:       d.opts.Heartbeat,
		Properties:      props,
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := netDialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Bounds the TLS and AMQP handshake; amqp091 clears it once the connection is open.
			if d.opts.DialTimeout > 0 {
				if err := conn.SetDeadline(time.Now().Add(d.opts.DialTimeout)); err != nil {
					conn.Close()
					return nil, err
				}
			}
			return conn, nil
		},
	}

	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return newLink(conn, d.opts), nil
}

// link wraps a broker connection.
type link struct {
	conn   *amqp091.Connection
	opts   *Options
	events chan consumer.Event
}

func newLink(conn *amqp091.Connection, opts *Options) *link {
	l := &link{
		conn:   conn,
		opts:   opts,
		events: make(chan consumer.Event, 2),
	}
	go watchClose(conn.NotifyClose(make(chan *amqp091.Error, 1)), l.events)
	return l
}

func (l *link) Channel() (consumer.Channel, error) {
	ch, err := l.conn.Channel()
	if err != nil {
		return nil, err
	}

	if l.opts.PrefetchCount > 0 || l.opts.PrefetchSize > 0 {
		if err := ch.Qos(l.opts.PrefetchCount, l.opts.PrefetchSize, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	return newChannel(ch), nil
}

func (l *link) Events() <-chan consumer.Event {
	return l.events
}

func (l *link) Close() error {
	if l.conn.IsClosed() {
		return nil
	}
	return l.conn.Close()
}

// channel wraps a broker channel.
type channel struct {
	ch     *amqp091.Channel
	events chan consumer.Event
}

func newChannel(ch *amqp091.Channel) *channel {
	c := &channel{
		ch:     ch,
		events: make(chan consumer.Event, 2),
	}
	go watchClose(ch.NotifyClose(make(chan *amqp091.Error, 1)), c.events)
	return c
}

func (c *channel) DeclarePassive(queue string) error {
	_, err := c.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	return err
}

func (c *channel) Consume(queue, consumerTag string) (<-chan amqp091.Delivery, error) {
	return c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
}

func (c *channel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *channel) Ack(deliveryTag uint64) error {
	return c.ch.Ack(deliveryTag, false)
}

func (c *channel) Events() <-chan consumer.Event {
	return c.events
}

func (c *channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

// watchClose turns a close notification into lifecycle events: at most one
// error or exit event, then a close event, then the events channel is closed.
func watchClose(notify <-chan *amqp091.Error, events chan<- consumer.Event) {
	defer close(events)

	amqpErr, ok := <-notify
	if ok && amqpErr != nil {
		events <- failureEvent(amqpErr)
		events <- consumer.Event{Kind: consumer.EventClose, Err: amqpErr}
		return
	}
	events <- consumer.Event{Kind: consumer.EventClose}
}

// failureEvent classifies a close reason. A close initiated by the broker is
// an exit; anything else is a transport error.
func failureEvent(err *amqp091.Error) consumer.Event {
	if err.Server {
		return consumer.Event{Kind: consumer.EventExit, Err: err}
	}
	return consumer.Event{Kind: consumer.EventError, Err: err}
}
