//go:build !windows

package host

import (
	"os/exec"
	"syscall"
)

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

func getTrueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}

// detach starts the child in a new session so it survives the supervisor
// and can be signalled as a process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
