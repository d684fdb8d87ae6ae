package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
)

// Default application name, used as state subdirectory
const DefaultAppName = "hsu-supervisor"

// SupervisorFileID names the PID file of the supervisor itself
const SupervisorFileID = "supervisor"

// ProcessFileConfig holds configuration for state file placement
type ProcessFileConfig struct {
	// Base directory for state files. If empty, uses OS-appropriate default
	BaseDirectory string

	// Service context - affects directory selection
	ServiceContext ServiceContext

	// Application name for subdirectory creation
	AppName string

	// Create subdirectory for the app
	UseSubdirectory bool
}

// ServiceContext defines the context in which the supervisor runs
type ServiceContext string

const (
	SystemService ServiceContext = "system"
	UserService   ServiceContext = "user"
)

// ProcessFileManager places and maintains PID files inside the state directory
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}

	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// StateDirectory returns the directory holding PID files and the journal
func (m *ProcessFileManager) StateDirectory() string {
	baseDir := m.getBaseDirectory()

	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}

	return baseDir
}

// GeneratePIDFilePath generates the PID file path for the given ID
func (m *ProcessFileManager) GeneratePIDFilePath(id string) string {
	return filepath.Join(m.StateDirectory(), id+".pid")
}

// WritePIDFile records pid under the given ID
func (m *ProcessFileManager) WritePIDFile(id string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(id)
	m.logger.Debugf("Writing PID file, id: %s, pid: %d, path: %s", id, pid, pidFilePath)

	if err := ValidatePIDFileDirectory(pidFilePath); err != nil {
		m.logger.Errorf("PID file directory validation failed, id: %s, path: %s, error: %v", id, pidFilePath, err)
		return err
	}

	// Write to a temporary file first so readers never observe a partial PID
	tmpPath := pidFilePath + ".tmp"
	pidContent := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(tmpPath, []byte(pidContent), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, id: %s, pid: %d, path: %s, error: %v", id, pid, pidFilePath, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}
	if err := os.Rename(tmpPath, pidFilePath); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to move PID file into place", err).WithContext("pid_file", pidFilePath)
	}

	m.logger.Debugf("PID file written, id: %s, pid: %d, path: %s", id, pid, pidFilePath)
	return nil
}

// ReadPIDFile returns the PID recorded under the given ID
func (m *ProcessFileManager) ReadPIDFile(id string) (int, error) {
	pidFilePath := m.GeneratePIDFilePath(id)

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pid, err := process.ValidatePID(string(content))
	if err != nil {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", pidFilePath)
	}

	return pid, nil
}

// RemovePIDFile removes the PID file for the given ID. A missing file is not an error.
func (m *ProcessFileManager) RemovePIDFile(id string) error {
	pidFilePath := m.GeneratePIDFilePath(id)

	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("Failed to remove PID file, id: %s, path: %s, error: %v", id, pidFilePath, err)
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}

	m.logger.Debugf("PID file removed, id: %s, path: %s", id, pidFilePath)
	return nil
}

// IsStale reports whether the PID file for id names a process that no longer runs.
// A missing file counts as stale.
func (m *ProcessFileManager) IsStale(id string) bool {
	pid, err := m.ReadPIDFile(id)
	if err != nil {
		return true
	}
	running, err := process.IsProcessRunning(pid)
	if err != nil {
		m.logger.Warnf("Failed to check PID file process, id: %s, pid: %d, error: %v", id, pid, err)
		return false
	}
	return !running
}

func (m *ProcessFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return getSystemServiceDirectory()
	default:
		return getUserServiceDirectory()
	}
}

func getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData

	case "darwin":
		return "/var/run"

	default:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			return os.TempDir()
		}
		return localAppData

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "/tmp"
		}
		return filepath.Join(homeDir, "Library", "Application Support")

	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return "/tmp"
	}
}

// ValidatePIDFileDirectory makes sure the directory of a PID file exists and is writable
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewPermissionError("PID file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}

// GetRecommendedProcessFileConfig returns the state file configuration for a deployment scenario
func GetRecommendedProcessFileConfig(scenario string, appName string) ProcessFileConfig {
	if appName == "" {
		appName = DefaultAppName
	}

	switch strings.ToLower(scenario) {
	case "system", "daemon", "service":
		return ProcessFileConfig{
			ServiceContext:  SystemService,
			AppName:         appName,
			UseSubdirectory: true,
		}

	case "development", "dev", "test":
		return ProcessFileConfig{
			BaseDirectory:   filepath.Join(os.TempDir(), appName+"-dev"),
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: false,
		}

	default:
		return ProcessFileConfig{
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: true,
		}
	}
}
