// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"

	"github.com/fabmob/mob-sub003/ipc"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// EventKind enumerates lifecycle events emitted by a Link or a Channel.
type EventKind int

// Lifecycle event kinds.
const (
	// EventError reports a failure on the handle.
	EventError EventKind = iota
	// EventExit reports the peer terminated the handle.
	EventExit
	// EventClose reports the handle is closed. It is always the last event.
	EventClose
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from a Link or Channel.
type Event struct {
	Kind EventKind
	Err  error
}

// Dialer establishes broker links.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// Link is one physical broker connection.
type Link interface {
	// Channel opens a new logical session on the link.
	Channel() (Channel, error)
	// Events is closed after the EventClose event has been delivered.
	Events() <-chan Event
	Close() error
}

// Channel is a logical session used to check, consume and cancel queues.
type Channel interface {
	// DeclarePassive fails when the queue does not exist. On most brokers the
	// failure also closes the channel.
	DeclarePassive(queue string) error
	Consume(queue, consumerTag string) (<-chan amqp091.Delivery, error)
	Cancel(consumerTag string) error
	Ack(deliveryTag uint64) error
	// Events is closed after the EventClose event has been delivered.
	Events() <-chan Event
	Close() error
}

// Bridge is the mailbox to and from the parent process.
type Bridge interface {
	Receive() <-chan ipc.Message
	Send(ctx context.Context, msg ipc.Message) error
	Done() <-chan struct{}
}
