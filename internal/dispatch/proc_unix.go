//go:build !windows

package dispatch

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess puts the agent in its own process group so a timeout
// kills any children still holding the output pipes.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second
}
