package daemon

import (
	stderrors "errors"
	"fmt"
)

// Process exit codes of the supervisor daemon
const (
	ExitCodeOK       = 0 // normal shutdown
	ExitCodeConfig   = 1 // configuration or startup error
	ExitCodeLaunch   = 2 // autostart process could not be launched
	ExitCodeLockHeld = 3 // another instance holds the journal lock
	ExitCodeLeftover = 4 // the process of an earlier run is still alive
)

// ExitError carries the process exit code a runner failure maps to
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func newExitError(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps the result of Run to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeOK
	}
	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCodeConfig
}
