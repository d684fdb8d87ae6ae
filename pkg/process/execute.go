package process

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// InvocationIDEnv carries the per-launch identifier into the child's environment.
const InvocationIDEnv = "HSU_INVOCATION_ID"

// defaultWaitDelay bounds how long Wait keeps copying output after the child
// exited while a grandchild still holds the output pipe.
const defaultWaitDelay = 2 * time.Second

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// ExitStatus describes how a child terminated
type ExitStatus struct {
	Code     int       `json:"code"` // -1 if killed by a signal
	Signal   string    `json:"signal,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitedAt time.Time `json:"exited_at"`
}

// Success reports a zero exit code. Error only carries output copy problems
// and does not make an exit a failure.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// Handle is a launched child. Wait must be called exactly once.
type Handle struct {
	PID          int
	InvocationID string
	StartedAt    time.Time

	cmd *exec.Cmd
}

// LaunchOptions holds per-launch parameters that are not part of the static configuration
type LaunchOptions struct {
	// Output receives both stdout and stderr; nil discards them.
	Output       io.Writer
	InvocationID string
}

// Launch starts the configured executable in its own session so that signals
// aimed at the invoking terminal never reach it. Any failure to get the child
// running is reported as a launch error.
func Launch(ctx context.Context, execution ExecutionConfig, options LaunchOptions, logger logging.Logger) (*Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	executablePath, err := ResolveExecutable(execution.ExecutablePath)
	if err != nil {
		logger.Errorf("Executable check failed, path: %s, error: %v", execution.ExecutablePath, err)
		return nil, err
	}

	workDir := execution.WorkingDirectory
	if workDir == "" {
		workDir = filepath.Dir(executablePath)
	}

	env := os.Environ()
	env = append(env, execution.Environment...)
	if options.InvocationID != "" {
		env = append(env, InvocationIDEnv+"="+options.InvocationID)
	}

	// exec.Command rather than CommandContext: the child's lifetime is owned by
	// the supervisor, not by the context of the request that started it.
	cmd := exec.Command(executablePath, execution.Args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.Stdin = nil // /dev/null

	// A nil Output leaves both streams on /dev/null.
	if options.Output != nil {
		cmd.Stdout = options.Output
		cmd.Stderr = options.Output
	}

	cmd.WaitDelay = execution.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	setupProcessAttributes(cmd)

	logger.Debugf("Executing process, path: '%s', args: %v, working directory: '%s', invocation: %s",
		executablePath, execution.Args, workDir, options.InvocationID)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewLaunchError("failed to start the process", err).
			WithContext("executable_path", executablePath)
	}

	logger.Infof("Process started, path: %s, PID: %d", executablePath, cmd.Process.Pid)

	return &Handle{
		PID:          cmd.Process.Pid,
		InvocationID: options.InvocationID,
		StartedAt:    time.Now(),
		cmd:          cmd,
	}, nil
}

// Wait blocks until the child exits and reports how it ended
func (h *Handle) Wait() ExitStatus {
	err := h.cmd.Wait()
	status := ExitStatus{ExitedAt: time.Now()}

	state := h.cmd.ProcessState
	if state == nil {
		status.Code = -1
		if err != nil {
			status.Error = err.Error()
		}
		return status
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Code = -1
		status.Signal = ws.Signal().String()
	} else {
		status.Code = state.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !stderrors.As(err, &exitErr) && !stderrors.Is(err, exec.ErrWaitDelay) {
		status.Error = err.Error()
	}

	return status
}

// Terminate asks the child's process group to exit
func (h *Handle) Terminate() error {
	return SendTerminationSignal(h.PID)
}

// Kill forcibly ends the child's process group
func (h *Handle) Kill() error {
	return SendKillSignal(h.PID)
}
