// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ipc

import "errors"

// IPC errors.
var (
	ErrClosed         = errors.New("ipc channel closed")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)
