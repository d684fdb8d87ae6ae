//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
)

var healthFailedType = (&journal.EventHealthCheckFailed{}).Type()

func failingProbe() monitoring.HealthCheckConfig {
	return monitoring.HealthCheckConfig{
		Type: monitoring.HealthCheckTypeExec,
		Exec: monitoring.ExecHealthCheckConfig{Command: "/bin/false"},
		RunOptions: monitoring.HealthCheckRunOptions{
			Interval:         50 * time.Millisecond,
			Timeout:          40 * time.Millisecond,
			FailureThreshold: 2,
		},
	}
}

func TestHealthCheck_UnhealthyProcessIsRestartedUntilCeiling(t *testing.T) {
	config := sleepConfig()
	config.HealthCheck = failingProbe()

	j := &journal.Memory{}
	s, _ := runSupervisor(t, config, WithJournal(j))

	first, err := s.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := s.Status()
		return status.State == StateRunning && status.PID != 0 && status.PID != first.PID
	}, 10*time.Second, 10*time.Millisecond)
	assert.False(t, isRunning(t, first.PID))

	status := waitForState(t, s, StateStopped)
	assert.Equal(t, 3, status.RestartCount)
	assert.Equal(t, errors.ErrorTypeRestartLimitExceeded, status.LastErrorType)
	assert.Empty(t, status.Health)

	assert.Equal(t, 3, j.Count(spawnedType))
	assert.Equal(t, 3, j.Count(healthFailedType))
	assert.Equal(t, 1, j.Count(limitExceededType))
}

func TestHealthCheck_NeverPolicyOnlyReports(t *testing.T) {
	config := sleepConfig()
	config.Restart.Policy = RestartNever
	config.HealthCheck = failingProbe()

	j := &journal.Memory{}
	s, _ := runSupervisor(t, config, WithJournal(j))

	started, err := s.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Status().Health == monitoring.HealthCheckStatusUnhealthy
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return j.Count(healthFailedType) > 0
	}, 10*time.Second, 10*time.Millisecond)

	status := s.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, started.PID, status.PID)
	assert.True(t, isRunning(t, started.PID))
	assert.Equal(t, 1, j.Count(spawnedType))

	for _, ev := range j.Events() {
		if failed, ok := ev.(*journal.EventHealthCheckFailed); ok {
			assert.False(t, failed.Restarted)
			assert.Equal(t, started.PID, failed.PID)
		}
	}
}

func TestHealthCheck_HealthyProcessKeepsRunning(t *testing.T) {
	config := sleepConfig()
	config.HealthCheck = failingProbe()
	config.HealthCheck.Exec.Command = "/bin/true"
	config.HealthCheck.RunOptions.Timeout = 500 * time.Millisecond
	config.HealthCheck.RunOptions.Interval = time.Second

	j := &journal.Memory{}
	s, _ := runSupervisor(t, config, WithJournal(j))

	started, err := s.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Status().Health == monitoring.HealthCheckStatusHealthy
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, started.PID, s.Status().PID)
	assert.Equal(t, 0, j.Count(healthFailedType))

	stopped, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stopped.Health)
}

func TestStop_TakesOverHealthCheckStop(t *testing.T) {
	// The child lingers for a second after SIGTERM so that the stop command
	// arrives while the health check termination is in progress.
	config := shellConfig("lingering", `trap 'sleep 1; exit 0' TERM; while true; do sleep 0.05; done`, RestartOnFailure, 0)
	config.HealthCheck = failingProbe()

	j := &journal.Memory{}
	s, _ := runSupervisor(t, config, WithJournal(j))

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	waitForState(t, s, StateStopping)

	status, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateStopped, s.Status().State)
	assert.Equal(t, 1, j.Count(spawnedType))
}
