//go:build !windows

package process

import (
	stderrors "errors"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// SendTerminationSignal sends SIGTERM to the process group led by pid
func SendTerminationSignal(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// SendKillSignal sends SIGKILL to the process group led by pid
func SendKillSignal(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return errors.NewValidationError("PID must be positive", nil).WithContext("pid", pid)
	}

	// Negative PID addresses the whole group; the child is a session leader so
	// its PGID equals its PID.
	err := unix.Kill(-pid, sig)
	if stderrors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it left the group.
		err = unix.Kill(pid, sig)
	}
	if err != nil && !stderrors.Is(err, unix.ESRCH) {
		return errors.NewPermissionError("failed to signal process group", err).
			WithContext("pid", pid).WithContext("signal", sig.String())
	}
	return nil
}

// IsProcessRunning reports whether a process with the given PID exists.
// A zombie that has not been reaped yet still counts as existing.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, unix.ESRCH):
		return false, nil
	case stderrors.Is(err, unix.EPERM):
		return true, nil
	default:
		return false, err
	}
}
