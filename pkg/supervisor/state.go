package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
)

// State represents the lifecycle state of the managed process
type State string

const (
	StateStopped  State = "stopped"  // No process, initial and terminal state
	StateStarting State = "starting" // Launch in progress or restart backoff pending
	StateRunning  State = "running"  // Process running
	StateStopping State = "stopping" // Termination signal sent, waiting for exit
	StateFailed   State = "failed"   // Process exited unexpectedly, policy being evaluated
)

// Status is a point-in-time snapshot of the supervisor
type Status struct {
	ID           string              `json:"id"`
	State        State               `json:"state"`
	PID          int                 `json:"pid,omitempty"` // 0 when no process is running
	InvocationID string              `json:"invocation_id,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	LastExit     *process.ExitStatus `json:"last_exit,omitempty"`
	RestartCount int                 `json:"restart_count"`
	ForcedKill   bool                `json:"forced_kill"` // last stop needed SIGKILL

	// Empty when no health check is configured or no process is running
	Health monitoring.HealthCheckStatus `json:"health,omitempty"`

	LastError     string           `json:"last_error,omitempty"`
	LastErrorType errors.ErrorType `json:"last_error_type,omitempty"`
}
