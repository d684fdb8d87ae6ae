package journal

import "time"

const (
	eventWarning              = "warning"
	eventSupervisorStarted    = "supervisor started"
	eventProcessSpawnError    = "process spawn error"
	eventProcessSpawned       = "process spawned"
	eventProcessExited        = "process exited"
	eventRestartScheduled     = "restart scheduled"
	eventRestartLimitExceeded = "restart limit exceeded"
	eventStateChanged         = "state changed"
	eventForcedKill           = "forced kill"
	eventLogSinkReopened      = "log sink reopened"
	eventHealthCheckFailed    = "health check failed"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used for
// decoding. Nil is returned if the event type is unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventSupervisorStarted:
		return &EventSupervisorStarted{}
	case eventProcessSpawnError:
		return &EventProcessSpawnError{}
	case eventProcessSpawned:
		return &EventProcessSpawned{}
	case eventProcessExited:
		return &EventProcessExited{}
	case eventRestartScheduled:
		return &EventRestartScheduled{}
	case eventRestartLimitExceeded:
		return &EventRestartLimitExceeded{}
	case eventStateChanged:
		return &EventStateChanged{}
	case eventForcedKill:
		return &EventForcedKill{}
	case eventLogSinkReopened:
		return &EventLogSinkReopened{}
	case eventHealthCheckFailed:
		return &EventHealthCheckFailed{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string { return eventWarning }
func (ev *EventWarning) event()       {}

// EventSupervisorStarted is emitted once the journal lock is acquired, which is
// on startup.
type EventSupervisorStarted struct {
	PID       int    `json:"pid"`
	ProcessID string `json:"process_id"`
}

func (ev *EventSupervisorStarted) Type() string { return eventSupervisorStarted }
func (ev *EventSupervisorStarted) event()       {}

// EventProcessSpawnError is emitted when the managed program cannot be launched.
type EventProcessSpawnError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (ev *EventProcessSpawnError) Type() string { return eventProcessSpawnError }
func (ev *EventProcessSpawnError) event()       {}

// EventProcessSpawned is emitted for every successful launch.
type EventProcessSpawned struct {
	ID           string `json:"id"`
	PID          int    `json:"pid"`
	InvocationID string `json:"invocation_id"`
	RestartCount int    `json:"restart_count"`
}

func (ev *EventProcessSpawned) Type() string { return eventProcessSpawned }
func (ev *EventProcessSpawned) event()       {}

// EventProcessExited is emitted when the child terminates, expectedly or not.
type EventProcessExited struct {
	ID           string `json:"id"`
	PID          int    `json:"pid"`
	InvocationID string `json:"invocation_id"`
	ExitCode     int    `json:"exit_code"`
	Signal       string `json:"signal,omitempty"`
	Expected     bool   `json:"expected"`
}

func (ev *EventProcessExited) Type() string { return eventProcessExited }
func (ev *EventProcessExited) event()       {}

// EventRestartScheduled is emitted when the restart policy arms a backoff timer.
type EventRestartScheduled struct {
	ID           string        `json:"id"`
	RestartCount int           `json:"restart_count"`
	Delay        time.Duration `json:"delay"`
}

func (ev *EventRestartScheduled) Type() string { return eventRestartScheduled }
func (ev *EventRestartScheduled) event()       {}

// EventRestartLimitExceeded is emitted when the supervisor gives up restarting.
type EventRestartLimitExceeded struct {
	ID         string        `json:"id"`
	Failures   int           `json:"failures"`
	MaxRetries int           `json:"max_retries"`
	Window     time.Duration `json:"window"`
}

func (ev *EventRestartLimitExceeded) Type() string { return eventRestartLimitExceeded }
func (ev *EventRestartLimitExceeded) event()       {}

// EventStateChanged is emitted on every lifecycle transition.
type EventStateChanged struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (ev *EventStateChanged) Type() string { return eventStateChanged }
func (ev *EventStateChanged) event()       {}

// EventForcedKill is emitted when a child ignored SIGTERM for the whole stop timeout.
type EventForcedKill struct {
	ID          string        `json:"id"`
	PID         int           `json:"pid"`
	StopTimeout time.Duration `json:"stop_timeout"`
}

func (ev *EventForcedKill) Type() string { return eventForcedKill }
func (ev *EventForcedKill) event()       {}

// EventLogSinkReopened is emitted after the output sink followed a rotation.
type EventLogSinkReopened struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (ev *EventLogSinkReopened) Type() string { return eventLogSinkReopened }
func (ev *EventLogSinkReopened) event()       {}

// EventHealthCheckFailed is emitted when the probe reaches its failure
// threshold. Restarted tells whether the process is being restarted for it.
type EventHealthCheckFailed struct {
	ID                  string `json:"id"`
	PID                 int    `json:"pid"`
	Message             string `json:"message"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Restarted           bool   `json:"restarted"`
}

func (ev *EventHealthCheckFailed) Type() string { return eventHealthCheckFailed }
func (ev *EventHealthCheckFailed) event()       {}
