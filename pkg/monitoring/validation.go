package monitoring

import "github.com/core-tools/hsu-supervisor/pkg/errors"

// ValidateHealthCheckConfig validates health check configuration. A disabled
// configuration is always valid.
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if !config.Enabled() {
		return nil
	}

	if err := ValidateHealthCheckRunOptions(config.RunOptions); err != nil {
		return errors.NewValidationError("invalid health check run options", err)
	}

	switch config.Type {
	case HealthCheckTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP health check", nil)
		}

	case HealthCheckTypeGRPC:
		if config.GRPC.Address == "" {
			return errors.NewValidationError("gRPC address is required for gRPC health check", nil)
		}

	case HealthCheckTypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("TCP address is required for TCP health check", nil)
		}
		if config.TCP.Port <= 0 || config.TCP.Port > 65535 {
			return errors.NewValidationError("TCP port must be between 1 and 65535", nil)
		}

	case HealthCheckTypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec health check", nil)
		}

	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}

	return nil
}

// ValidateHealthCheckRunOptions validates health check run options
func ValidateHealthCheckRunOptions(options HealthCheckRunOptions) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}

	if options.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}

	if options.Timeout >= options.Interval {
		return errors.NewValidationError("health check timeout must be less than interval", nil)
	}

	if options.InitialDelay < 0 {
		return errors.NewValidationError("health check initial delay cannot be negative", nil)
	}

	if options.FailureThreshold <= 0 {
		return errors.NewValidationError("health check failure threshold must be positive", nil)
	}

	return nil
}
