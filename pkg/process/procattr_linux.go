//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes detaches the child into its own session, which also
// makes it the leader of a new process group we can signal as a whole. The
// parent-death signal covers the case where the supervisor itself is killed.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGTERM,
	}
}
