package process

import (
	"os"
	"os/exec"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

func setupProcessAttributes(cmd *exec.Cmd) {}

// SendTerminationSignal is not supported: Windows has no group SIGTERM, so the
// stop path escalates to SendKillSignal after the timeout.
func SendTerminationSignal(pid int) error {
	return errors.NewPermissionError("termination signal not supported on windows", nil).WithContext("pid", pid)
}

func SendKillSignal(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}

func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	_, err := os.FindProcess(pid)
	return err == nil, nil
}
