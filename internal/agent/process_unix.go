//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// buildCommand runs the project command through the shell in a new
// session, so the whole tree is signalable as one process group.
func buildCommand(command string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

func terminate(mp *managedProcess) error {
	return syscall.Kill(-mp.cmd.Process.Pid, syscall.SIGTERM)
}

func kill(mp *managedProcess) error {
	return syscall.Kill(-mp.cmd.Process.Pid, syscall.SIGKILL)
}
