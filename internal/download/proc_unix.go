//go:build unix

package download

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs cmd in its own process group and makes context
// cancellation kill the whole group, including helpers the tool spawned.
// cmd must come from exec.CommandContext.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
