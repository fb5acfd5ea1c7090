//go:build windows

package host

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Windows has no SIGTERM equivalent for detached console processes, so both
// graceful and forced requests terminate the process.
func signalPID(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
