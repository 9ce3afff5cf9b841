// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import "errors"

// Dialer errors.
var (
	ErrNoAddress       = errors.New("no broker address configured")
	ErrInvalidPrefetch = errors.New("prefetch limits cannot be negative")
)
