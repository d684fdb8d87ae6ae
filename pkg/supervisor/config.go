package supervisor

import (
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
)

// RestartPolicy defines when an exited process is launched again
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

const (
	DefaultStopTimeout = 10 * time.Second
	DefaultMaxRetries  = 5
	DefaultWindow      = time.Minute
	DefaultRetryDelay  = time.Second
	DefaultBackoffRate = 2.0
	DefaultMaxDelay    = 30 * time.Second
)

// RestartConfig defines retry mechanics
type RestartConfig struct {
	Policy RestartPolicy `yaml:"policy"`

	// Failures tolerated inside Window before giving up; 0 means unlimited
	MaxRetries int `yaml:"max_retries"`

	// Sliding window for MaxRetries; 0 means failures never expire
	Window time.Duration `yaml:"window"`

	RetryDelay  time.Duration `yaml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate"` // Exponential backoff multiplier
	MaxDelay    time.Duration `yaml:"max_delay"`    // 0 means uncapped
}

// DefaultRestartConfig returns the restart settings used when none are configured
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		Policy:      RestartOnFailure,
		MaxRetries:  DefaultMaxRetries,
		Window:      DefaultWindow,
		RetryDelay:  DefaultRetryDelay,
		BackoffRate: DefaultBackoffRate,
		MaxDelay:    DefaultMaxDelay,
	}
}

// ManagedProcessConfig is the static description of the supervised program
type ManagedProcessConfig struct {
	ID          string                  `yaml:"id"`
	Execution   process.ExecutionConfig `yaml:"execution"`
	Restart     RestartConfig           `yaml:"restart"`
	StopTimeout time.Duration           `yaml:"stop_timeout,omitempty"`

	// Optional probe; an unhealthy process is restarted unless the policy is never
	HealthCheck monitoring.HealthCheckConfig `yaml:"health_check,omitempty"`

	// Consumed by the daemon, which opens the sink and passes it with WithOutput
	LogSink   string `yaml:"log_sink,omitempty"`
	Autostart bool   `yaml:"autostart"`
}

// ValidateRestartConfig validates restart configuration values
func ValidateRestartConfig(config RestartConfig) error {
	switch config.Policy {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return errors.NewValidationError("invalid restart policy: "+string(config.Policy), nil)
	}
	if config.MaxRetries < 0 {
		return errors.NewValidationError("max_retries cannot be negative", nil).WithContext("max_retries", config.MaxRetries)
	}
	if config.Window < 0 {
		return errors.NewValidationError("window cannot be negative", nil).WithContext("window", config.Window)
	}
	if config.RetryDelay < 0 {
		return errors.NewValidationError("retry_delay cannot be negative", nil).WithContext("retry_delay", config.RetryDelay)
	}
	if config.BackoffRate <= 0 {
		return errors.NewValidationError("backoff_rate must be positive", nil).WithContext("backoff_rate", config.BackoffRate)
	}
	if config.MaxDelay < 0 {
		return errors.NewValidationError("max_delay cannot be negative", nil).WithContext("max_delay", config.MaxDelay)
	}
	return nil
}

// ValidateManagedProcessConfig validates the complete managed process configuration
func ValidateManagedProcessConfig(config ManagedProcessConfig) error {
	if config.ID == "" {
		return errors.NewValidationError("process ID is required", nil)
	}
	if filepath.Base(config.ID) != config.ID || config.ID == "." || config.ID == ".." {
		return errors.NewValidationError("process ID must not contain path separators: "+config.ID, nil)
	}

	if err := process.ValidateExecutionConfig(config.Execution); err != nil {
		return errors.NewValidationError("invalid execution configuration", err).WithContext("id", config.ID)
	}

	if err := ValidateRestartConfig(config.Restart); err != nil {
		return errors.NewValidationError("invalid restart configuration", err).WithContext("id", config.ID)
	}

	if config.StopTimeout < 0 {
		return errors.NewValidationError("stop_timeout cannot be negative", nil).WithContext("id", config.ID)
	}

	if err := monitoring.ValidateHealthCheckConfig(config.HealthCheck); err != nil {
		return errors.NewValidationError("invalid health check configuration", err).WithContext("id", config.ID)
	}

	return nil
}

// applyDefaults fills in values that have no meaningful zero
func applyDefaults(config ManagedProcessConfig) ManagedProcessConfig {
	if config.ID == "" && config.Execution.ExecutablePath != "" {
		config.ID = filepath.Base(config.Execution.ExecutablePath)
	}
	if config.Restart.Policy == "" {
		config.Restart.Policy = RestartOnFailure
	}
	if config.Restart.BackoffRate == 0 {
		config.Restart.BackoffRate = 1.0
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	config.HealthCheck = config.HealthCheck.WithDefaults()
	return config
}

// shouldRestart evaluates the restart policy for an exit that nobody asked for
func shouldRestart(policy RestartPolicy, status process.ExitStatus) bool {
	switch policy {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return !status.Success()
	default:
		return false
	}
}
