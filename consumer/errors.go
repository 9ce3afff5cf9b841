// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "errors"

// Manager errors.
var (
	ErrAlreadyRunning     = errors.New("consumer manager already running")
	ErrBridgeClosed       = errors.New("parent ipc bridge closed")
	ErrChannelUnavailable = errors.New("broker channel unavailable")
	ErrQueueNotFound      = errors.New("tenant queue not found")
	ErrCheckSuspended     = errors.New("tenant queue checks suspended")
	ErrNilDialer          = errors.New("dialer cannot be nil")
	ErrNilBridge          = errors.New("bridge cannot be nil")
)
