package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Resolver maps a listening TCP port to the pids bound to it.
type Resolver interface {
	ListenerPIDs(ctx context.Context, port int) ([]int, error)
	Name() string
}

// NewResolver returns the backend selected by name: "psutil", "lsof" or "auto".
func NewResolver(name string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return chain{PsutilResolver{}, LsofResolver{}}, nil
	case "psutil":
		return PsutilResolver{}, nil
	case "lsof":
		return LsofResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown evictor backend %q", name)
	}
}

// PsutilResolver reads the kernel connection table through gopsutil.
type PsutilResolver struct{}

func (PsutilResolver) Name() string { return "psutil" }

func (PsutilResolver) ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{})
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		seen[int(c.Pid)] = struct{}{}
	}
	return sortedPIDs(seen), nil
}

// LsofResolver shells out to lsof for platforms where the connection table
// does not expose owning pids.
type LsofResolver struct {
	Binary string
}

func (LsofResolver) Name() string { return "lsof" }

func (r LsofResolver) ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	bin := r.Binary
	if bin == "" {
		bin = "lsof"
	}
	// #nosec G204
	out, err := exec.CommandContext(ctx, bin, "-t", "-i:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(out) == 0 {
			// lsof exits 1 when nothing matches
			return nil, nil
		}
		return nil, err
	}
	return parsePIDLines(string(out)), nil
}

func parsePIDLines(s string) []int {
	seen := make(map[int]struct{})
	for _, line := range strings.Split(s, "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		seen[pid] = struct{}{}
	}
	return sortedPIDs(seen)
}

func sortedPIDs(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for pid := range m {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// chain tries each resolver in order and returns the first non-empty answer.
type chain []Resolver

func (c chain) Name() string {
	names := make([]string, 0, len(c))
	for _, r := range c {
		names = append(names, r.Name())
	}
	return strings.Join(names, "+")
}

func (c chain) ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	var errs []error
	for _, r := range c {
		pids, err := r.ListenerPIDs(ctx, port)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		if len(pids) > 0 {
			return pids, nil
		}
	}
	if len(errs) == len(c) {
		return nil, errors.Join(append([]error{ErrNoResolver}, errs...)...)
	}
	return nil, nil
}
