package host

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/stackvisor/internal/service"
)

// Native runs services as detached OS processes.
type Native struct{}

func NewNative() *Native { return &Native{} }

func (*Native) Kind() service.Kind { return service.KindNative }

func (*Native) Spawn(_ context.Context, d service.Descriptor, env []string, logFile *os.File) (Handle, error) {
	cmd := BuildCommand(d.Command)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %v", service.ErrSpawnFailure, d.Name, err)
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while we are still running; once we exit it
	// is re-parented and keeps running.
	go func() { _ = cmd.Wait() }()
	return Handle{ID: strconv.Itoa(pid), StartUnix: getProcStartUnix(pid)}, nil
}

func (*Native) Signal(_ context.Context, id string, force bool) error {
	pid, err := ParsePID(id)
	if err != nil {
		return err
	}
	return signalPID(pid, force)
}

func (*Native) Alive(_ context.Context, id string, startUnix int64) bool {
	pid, err := ParsePID(id)
	if err != nil {
		return false
	}
	return PIDAlive(pid, startUnix)
}

// PIDAlive reports whether pid is running and, when startUnix is known,
// still the same process that was recorded.
func PIDAlive(pid int, startUnix int64) bool {
	if !pidAlive(pid) {
		return false
	}
	if startUnix > 0 {
		if cur := getProcStartUnix(pid); cur > 0 && cur != startUnix {
			return false // pid reused; not our process
		}
	}
	return true
}

// ParsePID converts a registry identifier to a pid.
func ParsePID(id string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", id, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}
