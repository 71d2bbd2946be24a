//go:build !windows

package process

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Configure makes cmd the leader of a new process group so that KillGroup
// reaches every child it spawns.
func Configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// KillGroup signals the process group led by pid, falling back to the
// process alone.
func KillGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if err2 := syscall.Kill(pid, sig); err2 != nil {
			return fmt.Errorf("failed to signal process group -%d: %v, process %d: %v", pid, err, pid, err2)
		}
	}
	return nil
}
