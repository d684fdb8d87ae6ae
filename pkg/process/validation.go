package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ResolveExecutable returns the absolute path of an executable that exists and
// carries an execute bit. Bare names are looked up in PATH.
func ResolveExecutable(path string) (string, error) {
	if path == "" {
		return "", errors.NewLaunchError("executable path is required", nil)
	}

	if !strings.ContainsRune(path, filepath.Separator) && !strings.ContainsRune(path, '/') {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", errors.NewLaunchError("executable not found in PATH", err).WithContext("executable_path", path)
		}
		path = resolved
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewLaunchError("failed to get absolute path", err).WithContext("executable_path", path)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", errors.NewLaunchError("executable not found", err).WithContext("executable_path", absPath)
	}
	if info.IsDir() {
		return "", errors.NewLaunchError("executable path is a directory", nil).WithContext("executable_path", absPath)
	}
	if runtime.GOOS != "windows" && info.Mode()&0111 == 0 {
		return "", errors.NewLaunchError("file is not executable", nil).WithContext("executable_path", absPath)
	}

	return absPath, nil
}

// ValidateExecutionConfig validates the static part of an execution configuration.
// Executable existence is checked at launch time, not here, so that a supervisor
// can be configured before the program is installed.
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
		if strings.HasPrefix(env, InvocationIDEnv+"=") {
			return errors.NewValidationError(InvocationIDEnv+" is set by the supervisor", nil)
		}
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}

	return nil
}

// ValidatePID parses and validates a PID value, as read from a PID file
func ValidatePID(pidStr string) (int, error) {
	pidStr = strings.TrimSpace(pidStr)
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}
