//go:build windows

package agent

import (
	"os/exec"
	"strconv"
	"syscall"
)

// buildCommand runs the project command through cmd.exe in a new process
// group, so taskkill /T can take down the whole tree.
func buildCommand(command string) *exec.Cmd {
	cmd := exec.Command("cmd", "/C", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
	return cmd
}

// Windows has no graceful group signal; both paths go through taskkill,
// the forced variant for kill.
func terminate(mp *managedProcess) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(mp.cmd.Process.Pid)).Run()
}

func kill(mp *managedProcess) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(mp.cmd.Process.Pid)).Run()
}
