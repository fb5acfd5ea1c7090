package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/host"
)

// Sweeper terminates processes left behind by earlier runs that are not
// tracked in the registry.
type Sweeper interface {
	Sweep(ctx context.Context, patterns []string) ([]int, error)
}

// ProcessSweeper matches command lines of the process table against
// patterns and terminates every match except the supervisor and its parent.
type ProcessSweeper struct {
	Host  host.Host // native host used to signal matches
	Grace time.Duration
	Clock clock.Clock
	// List returns candidate pids with their command lines. It defaults to
	// the gopsutil process table.
	List func(ctx context.Context) (map[int]string, error)
}

func (s *ProcessSweeper) Sweep(ctx context.Context, patterns []string) ([]int, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	list := s.List
	if list == nil {
		list = processTable
	}
	procs, err := list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.Real()
	}
	self, parent := os.Getpid(), os.Getppid()
	var killed []int
	var errs []error
	for pid, cmdline := range procs {
		if pid == self || pid == parent || !matchAny(cmdline, patterns) {
			continue
		}
		if err := host.Terminate(ctx, s.Host, strconv.Itoa(pid), 0, s.Grace, clk); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		killed = append(killed, pid)
	}
	sort.Ints(killed)
	return killed, errors.Join(errs...)
}

func matchAny(cmdline string, patterns []string) bool {
	if cmdline == "" {
		return false
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(cmdline, p) {
			return true
		}
	}
	return false
}

func processTable(ctx context.Context) (map[int]string, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(ps))
	for _, p := range ps {
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		out[int(p.Pid)] = cmd
	}
	return out, nil
}
