// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// checkGuard throttles throwaway-channel queue checks and trips a per-tenant
// circuit breaker after repeated failures to open a check channel.
type checkGuard struct {
	limiter      *rate.Limiter
	threshold    uint32
	resetTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newCheckGuard(cfg Config, logger *slog.Logger) *checkGuard {
	limit := rate.Inf
	if cfg.QueueCheckRate > 0 {
		limit = rate.Limit(cfg.QueueCheckRate)
	}
	burst := cfg.QueueCheckBurst
	if burst < 1 {
		burst = 1
	}

	return &checkGuard{
		limiter:      rate.NewLimiter(limit, burst),
		threshold:    cfg.BreakerThreshold,
		resetTimeout: cfg.BreakerResetTimeout,
		logger:       logger,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// run executes check for tenant, subject to the rate limit and the tenant's breaker.
func (g *checkGuard) run(ctx context.Context, tenant string, check func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	cb := g.breaker(tenant)
	if cb == nil {
		return check()
	}

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, check()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCheckSuspended, err)
	}
	return err
}

func (g *checkGuard) breaker(tenant string) *gobreaker.CircuitBreaker {
	if g.threshold == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[tenant]; ok {
		return cb
	}

	threshold := g.threshold
	logger := g.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tenant,
		MaxRequests: 1,
		Timeout:     g.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A missing queue is an answer from the broker, not a failure to reach it.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrQueueNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Tenant queue check breaker state changed",
				slog.String("tenant", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	g.breakers[tenant] = cb
	return cb
}
