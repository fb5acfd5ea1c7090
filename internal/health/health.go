// Package health implements bounded-retry health checking.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/service"
)

// Defaults used when a check is configured with zero values.
const (
	DefaultAttempts = 5
	DefaultInterval = 2 * time.Second
)

// ProbeFunc performs one reachability check.
type ProbeFunc func(ctx context.Context) error

// Poll runs probe up to attempts times, sleeping interval between tries but
// not after the last one. It stops at the first success or when ctx is
// done. It returns whether the target became healthy, how many attempts
// were made and the last probe error.
func Poll(ctx context.Context, clk clock.Clock, attempts int, interval time.Duration, probe ProbeFunc) (bool, int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			return false, i - 1, last
		}
		if last = probe(ctx); last == nil {
			return true, i, nil
		}
		if i == attempts {
			return false, i, last
		}
		if err := clk.Sleep(ctx, interval); err != nil {
			return false, i, last
		}
	}
	return false, attempts, last
}

// Prober is the reachability capability a Checker needs.
type Prober interface {
	Reach(ctx context.Context, port int, path string) error
}

// Checker health-checks service descriptors.
type Checker struct {
	Probe    Prober
	Clock    clock.Clock
	Attempts int
	Interval time.Duration
}

// Check polls d's port, over HTTP when d has a health path and TCP
// otherwise. A check that never succeeds carries ErrHealthCheckTimeout.
func (c *Checker) Check(ctx context.Context, d service.Descriptor) service.HealthResult {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ok, n, err := Poll(ctx, clk, attempts, interval, func(ctx context.Context) error {
		return c.Probe.Reach(ctx, d.Port, d.HealthPath)
	})
	res := service.HealthResult{Name: d.Name, Healthy: ok, Attempts: n}
	if !ok {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			res.Err = err
		default:
			res.Err = fmt.Errorf("%w: %s after %d attempts: %v", service.ErrHealthCheckTimeout, d.Name, n, err)
		}
	}
	return res
}
