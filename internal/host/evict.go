package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/probe"
)

// Evictor frees a TCP port by terminating whatever listens on it.
type Evictor interface {
	EvictPort(ctx context.Context, port int) ([]int, error)
}

// PortEvictor resolves listeners with a probe.Resolver and terminates them
// through the native host. The supervisor's own pid is never evicted.
type PortEvictor struct {
	Resolver probe.Resolver
	Host     Host
	Grace    time.Duration
	Clock    clock.Clock
}

func (e *PortEvictor) EvictPort(ctx context.Context, port int) ([]int, error) {
	pids, err := e.Resolver.ListenerPIDs(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("resolve listeners on %d: %w", port, err)
	}
	self := os.Getpid()
	var evicted []int
	var errs []error
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if err := Terminate(ctx, e.Host, strconv.Itoa(pid), 0, e.Grace, e.Clock); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		evicted = append(evicted, pid)
	}
	return evicted, errors.Join(errs...)
}
