// Package host runs service processes. A Host hides whether a service is a
// native process or a container so that launch, stop and liveness logic is
// written once.
package host

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/service"
)

// Handle identifies a spawned service.
type Handle struct {
	ID        string // pid for native processes, container id for containers
	StartUnix int64  // process start time when known; used to detect pid reuse
}

// Host spawns, signals and observes services of one Kind.
// Implementations must be safe for concurrent use.
type Host interface {
	Kind() service.Kind
	// Spawn starts d detached from the caller. env is the fully merged
	// environment; stdout and stderr both go to logFile.
	Spawn(ctx context.Context, d service.Descriptor, env []string, logFile *os.File) (Handle, error)
	// Signal asks id to terminate; force escalates to an immediate kill.
	Signal(ctx context.Context, id string, force bool) error
	// Alive reports whether id is still running. startUnix may be zero.
	Alive(ctx context.Context, id string, startUnix int64) bool
}

// Set picks the Host for a descriptor or record kind.
type Set struct {
	Native    Host
	Container Host
}

// For returns the host registered for kind.
func (s Set) For(kind service.Kind) (Host, error) {
	switch kind {
	case service.KindContainer:
		if s.Container == nil {
			return nil, fmt.Errorf("%w: container host not configured", service.ErrSpawnFailure)
		}
		return s.Container, nil
	default:
		if s.Native == nil {
			return nil, fmt.Errorf("%w: native host not configured", service.ErrSpawnFailure)
		}
		return s.Native, nil
	}
}

const pollInterval = 100 * time.Millisecond

// Terminate sends a graceful signal, waits up to grace for id to exit, then
// escalates to a forceful kill. It returns nil once id is no longer alive.
func Terminate(ctx context.Context, h Host, id string, startUnix int64, grace time.Duration, clk clock.Clock) error {
	if !h.Alive(ctx, id, startUnix) {
		return nil
	}
	if err := h.Signal(ctx, id, false); err != nil && h.Alive(ctx, id, startUnix) {
		// graceful delivery failed; go straight to kill below
		grace = 0
	}
	if waitGone(ctx, h, id, startUnix, grace, clk) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.Signal(ctx, id, true); err != nil && h.Alive(ctx, id, startUnix) {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	if waitGone(ctx, h, id, startUnix, time.Second, clk) {
		return nil
	}
	return fmt.Errorf("%s still alive after kill", id)
}

func waitGone(ctx context.Context, h Host, id string, startUnix int64, d time.Duration, clk clock.Clock) bool {
	deadline := clk.Now().Add(d)
	for {
		if !h.Alive(ctx, id, startUnix) {
			return true
		}
		if !clk.Now().Before(deadline) {
			return false
		}
		if clk.Sleep(ctx, pollInterval) != nil {
			return !h.Alive(ctx, id, startUnix)
		}
	}
}
