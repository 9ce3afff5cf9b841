// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckGuardTripsPerTenant(t *testing.T) {
	g := newCheckGuard(Config{BreakerThreshold: 2, BreakerResetTimeout: time.Minute}, testLogger())
	ctx := context.Background()
	failing := func() error { return errFakeNotFound }

	for i := 0; i < 2; i++ {
		err := g.run(ctx, "ghost", failing)
		require.ErrorIs(t, err, errFakeNotFound)
	}

	calls := 0
	err := g.run(ctx, "ghost", func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCheckSuspended)
	assert.Equal(t, 0, calls)

	// Other tenants are unaffected.
	assert.NoError(t, g.run(ctx, "acme", func() error { return nil }))
}

func TestCheckGuardRecoversAfterReset(t *testing.T) {
	g := newCheckGuard(Config{BreakerThreshold: 1, BreakerResetTimeout: 30 * time.Millisecond}, testLogger())
	ctx := context.Background()

	require.Error(t, g.run(ctx, "ghost", func() error { return errFakeNotFound }))
	require.ErrorIs(t, g.run(ctx, "ghost", func() error { return nil }), ErrCheckSuspended)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, g.run(ctx, "ghost", func() error { return nil }))
}

func TestCheckGuardDisabledBreaker(t *testing.T) {
	g := newCheckGuard(Config{}, testLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := g.run(ctx, "ghost", func() error { return errFakeNotFound })
		assert.False(t, errors.Is(err, ErrCheckSuspended))
	}
}

func TestCheckGuardRateLimitHonoursContext(t *testing.T) {
	g := newCheckGuard(Config{QueueCheckRate: 0.001, QueueCheckBurst: 1}, testLogger())

	require.NoError(t, g.run(context.Background(), "acme", func() error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.run(ctx, "acme", func() error { return nil })
	assert.Error(t, err)
}

func TestCheckGuardIgnoresMissingQueues(t *testing.T) {
	g := newCheckGuard(Config{BreakerThreshold: 2, BreakerResetTimeout: time.Minute}, testLogger())
	ctx := context.Background()
	missing := func() error { return fmt.Errorf("%w: acme", ErrQueueNotFound) }

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, g.run(ctx, "acme", missing), ErrQueueNotFound)
	}

	calls := 0
	assert.NoError(t, g.run(ctx, "acme", func() error { calls++; return nil }))
	assert.Equal(t, 1, calls)
}
