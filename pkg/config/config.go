package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

const (
	DefaultPort                 = 50055
	DefaultForceShutdownTimeout = 30 * time.Second
)

// SupervisorConfig represents the top-level configuration file structure
type SupervisorConfig struct {
	Supervisor SupervisorConfigOptions         `yaml:"supervisor"`
	Process    supervisor.ManagedProcessConfig `yaml:"process"`
}

// SupervisorConfigOptions represents daemon-level configuration
type SupervisorConfigOptions struct {
	Port                 int               `yaml:"port"`
	StateDirectory       string            `yaml:"state_directory,omitempty"`
	ForceShutdownTimeout time.Duration     `yaml:"force_shutdown_timeout,omitempty"`
	Logging              logging.ZapConfig `yaml:"logging,omitempty"`
}

// newConfigTemplate returns the values a configuration file overrides. Fields
// whose zero value is meaningful (max_retries: 0 is unlimited) get their
// defaults here, before parsing, rather than in setConfigDefaults.
func newConfigTemplate() SupervisorConfig {
	return SupervisorConfig{
		Supervisor: SupervisorConfigOptions{
			Logging: logging.DefaultZapConfig(),
		},
		Process: supervisor.ManagedProcessConfig{
			Restart:   supervisor.DefaultRestartConfig(),
			Autostart: true,
		},
	}
}

// LoadConfigFromFile loads supervisor configuration from a YAML file
func LoadConfigFromFile(filename string) (*SupervisorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to load configuration", err).WithContext("filename", filename)
	}

	return config, nil
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*SupervisorConfig, error) {
	config := newConfigTemplate()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *SupervisorConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	problems := errors.NewErrorCollection()

	if err := validateSupervisorConfig(&config.Supervisor); err != nil {
		problems.Add(errors.NewValidationError("invalid supervisor configuration", err))
	}

	if err := supervisor.ValidateManagedProcessConfig(config.Process); err != nil {
		problems.Add(errors.NewValidationError("invalid process configuration", err))
	}

	// The daemon's drain must outlast the process stop timeout, or shutdown
	// gives up before the SIGKILL escalation.
	if config.Supervisor.ForceShutdownTimeout <= config.Process.StopTimeout {
		problems.Add(errors.NewValidationError(
			fmt.Sprintf("force_shutdown_timeout (%v) must be greater than process stop_timeout (%v)",
				config.Supervisor.ForceShutdownTimeout, config.Process.StopTimeout),
			nil,
		))
	}

	if problems.HasErrors() {
		return errors.NewValidationError("configuration validation failed", problems.ToError())
	}

	return nil
}

// JournalPath returns the journal file location inside the state directory
func (c *SupervisorConfig) JournalPath() string {
	return filepath.Join(c.Supervisor.StateDirectory, journal.FileName)
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *SupervisorConfig) error {
	if config.Supervisor.Port == 0 {
		config.Supervisor.Port = DefaultPort
	}

	if config.Supervisor.StateDirectory == "" {
		manager := processfile.NewProcessFileManager(
			processfile.GetRecommendedProcessFileConfig("user", ""), logging.NewNopLogger())
		config.Supervisor.StateDirectory = manager.StateDirectory()
	}

	if config.Supervisor.ForceShutdownTimeout == 0 {
		config.Supervisor.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}

	if config.Supervisor.Logging.Level == "" {
		config.Supervisor.Logging.Level = "info"
	}

	process := &config.Process

	if process.ID == "" && process.Execution.ExecutablePath != "" {
		process.ID = filepath.Base(process.Execution.ExecutablePath)
	}

	if process.StopTimeout == 0 {
		process.StopTimeout = supervisor.DefaultStopTimeout
	}

	if process.Restart.Policy == "" {
		process.Restart.Policy = supervisor.RestartOnFailure
	}

	process.HealthCheck = process.HealthCheck.WithDefaults()

	// Relative sink paths live in the state directory
	if process.LogSink != "" && !filepath.IsAbs(process.LogSink) {
		process.LogSink = filepath.Join(config.Supervisor.StateDirectory, process.LogSink)
	}

	return nil
}

func validateSupervisorConfig(config *SupervisorConfigOptions) error {
	if config.Port <= 0 || config.Port > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid port number: %d", config.Port),
			nil,
		).WithContext("valid_range", "1-65535")
	}

	if config.StateDirectory == "" {
		return errors.NewValidationError("state directory is required", nil)
	}

	if config.ForceShutdownTimeout < 0 {
		return errors.NewValidationError("force_shutdown_timeout cannot be negative", nil)
	}

	if _, err := logging.ParseLevel(config.Logging.Level); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.Logging.Level),
			err,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	switch config.Logging.Format {
	case "", "json", "console":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", config.Logging.Format),
			nil,
		).WithContext("valid_formats", "json, console")
	}

	return nil
}
