// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"sync"
)

// Endpoint is one side of an in-process Pipe.
type Endpoint struct {
	in  <-chan Message
	out chan<- Message

	done      chan struct{}
	closeOnce *sync.Once
	closeOut  func()
}

// NewPipe returns two connected endpoints: messages sent on one are received on the other.
// It is used when the worker runs inside its parent process, and in tests.
func NewPipe(buffer int) (worker, parent *Endpoint) {
	toParent := make(chan Message, buffer)
	toWorker := make(chan Message, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	closeAll := func() {
		close(done)
	}

	worker = &Endpoint{in: toWorker, out: toParent, done: done, closeOnce: once, closeOut: closeAll}
	parent = &Endpoint{in: toParent, out: toWorker, done: done, closeOnce: once, closeOut: closeAll}
	return worker, parent
}

// Receive returns the inbound message channel.
func (e *Endpoint) Receive() <-chan Message {
	return e.in
}

// Send delivers msg to the peer endpoint.
func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	select {
	case e.out <- msg:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once either side closes the pipe.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Close shuts down both directions of the pipe.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(e.closeOut)
	return nil
}
