package supervisor

import (
	"math"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// RestartLimiterState provides insight into restart limiter status
type RestartLimiterState struct {
	IsOpen          bool      `json:"is_open"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// restartLimiter counts failures inside a sliding window and computes the
// backoff before the next launch. Once the ceiling is reached it stays open
// until Reset. It is owned by the control loop and not safe for concurrent use.
type restartLimiter struct {
	config RestartConfig
	id     string
	logger logging.Logger

	failures []time.Time
	open     bool
}

func newRestartLimiter(config RestartConfig, id string, logger logging.Logger) *restartLimiter {
	return &restartLimiter{
		config: config,
		id:     id,
		logger: logger,
	}
}

// RecordFailure registers a failure at now and returns the delay before the
// next launch, or a RestartLimitExceeded error when the ceiling is reached.
func (rl *restartLimiter) RecordFailure(now time.Time) (time.Duration, error) {
	if rl.open {
		return 0, errors.NewRestartLimitExceededError("restart limit already exceeded", nil).WithContext("id", rl.id)
	}

	rl.trim(now)
	rl.failures = append(rl.failures, now)

	if rl.config.MaxRetries > 0 && len(rl.failures) >= rl.config.MaxRetries {
		rl.open = true
		rl.logger.Errorf("Restart limit exceeded, id: %s, failures: %d, max: %d, window: %v",
			rl.id, len(rl.failures), rl.config.MaxRetries, rl.config.Window)
		return 0, errors.NewRestartLimitExceededError("restart limit exceeded", nil).
			WithContext("id", rl.id).
			WithContext("failures", len(rl.failures)).
			WithContext("max_retries", rl.config.MaxRetries)
	}

	delay := BackoffDelay(rl.config, len(rl.failures))

	rl.logger.Warnf("Restart allowed, id: %s, attempt: %d/%d, delay: %v",
		rl.id, len(rl.failures), rl.config.MaxRetries, delay)

	return delay, nil
}

// Reset forgets all failures, as on a manual start
func (rl *restartLimiter) Reset() {
	if len(rl.failures) > 0 || rl.open {
		rl.logger.Infof("Resetting restart limiter, id: %s, previous failures: %d", rl.id, len(rl.failures))
	}
	rl.failures = nil
	rl.open = false
}

func (rl *restartLimiter) GetState() RestartLimiterState {
	state := RestartLimiterState{
		IsOpen:   rl.open,
		Failures: len(rl.failures),
	}
	if len(rl.failures) > 0 {
		state.LastFailureTime = rl.failures[len(rl.failures)-1]
	}
	return state
}

func (rl *restartLimiter) trim(now time.Time) {
	if rl.config.Window <= 0 {
		return
	}

	cutoff := now.Add(-rl.config.Window)
	i := 0
	for i < len(rl.failures) && rl.failures[i].Before(cutoff) {
		i++
	}
	rl.failures = rl.failures[i:]
}

// BackoffDelay returns RetryDelay * BackoffRate^(attempt-1), capped at MaxDelay
func BackoffDelay(config RestartConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(config.RetryDelay)
	for i := 1; i < attempt; i++ {
		delay *= config.BackoffRate
		if config.MaxDelay > 0 && delay >= float64(config.MaxDelay) {
			return config.MaxDelay
		}
		if delay >= math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
	}

	result := time.Duration(delay)
	if config.MaxDelay > 0 && result > config.MaxDelay {
		result = config.MaxDelay
	}
	return result
}
