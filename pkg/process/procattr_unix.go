//go:build !linux && !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes detaches the child into its own session and process group
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
