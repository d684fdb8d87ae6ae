// Package supervisor owns the lifecycle of one managed child process: launch,
// exit monitoring, restart policy and the start/stop/restart commands.
//
// All state is mutated by a single control loop (Run). Commands and child exit
// notifications reach the loop through channels; the status snapshot is
// published under a lock so that Status never waits behind a command.
package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
)

type commandKind string

const (
	commandStart   commandKind = "start"
	commandStop    commandKind = "stop"
	commandRestart commandKind = "restart"
)

type commandResult struct {
	status Status
	err    error
}

type command struct {
	kind  commandKind
	reply chan commandResult // buffered, the loop never blocks on it
}

func (c command) respond(status Status, err error) {
	c.reply <- commandResult{status: status, err: err}
}

type exitNotification struct {
	generation uint64
	pid        int
	status     process.ExitStatus
}

type healthNotification struct {
	generation uint64
	state      monitoring.HealthCheckState
}

// Option customizes a Supervisor
type Option func(*Supervisor)

// WithJournal records transitions in j
func WithJournal(j journal.Journaler) Option {
	return func(s *Supervisor) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithPIDFiles maintains <id>.pid while the child runs
func WithPIDFiles(m *processfile.ProcessFileManager) Option {
	return func(s *Supervisor) {
		s.pidFiles = m
	}
}

// WithOutput sends the child's stdout and stderr to w instead of /dev/null
func WithOutput(w io.Writer) Option {
	return func(s *Supervisor) {
		s.output = w
	}
}

type Supervisor struct {
	config   ManagedProcessConfig
	logger   logging.Logger
	journal  journal.Journaler
	pidFiles *processfile.ProcessFileManager
	output   io.Writer

	commands      chan command
	exits         chan exitNotification
	healthReports chan healthNotification
	done          chan struct{}
	running       atomic.Bool

	statusMutex sync.RWMutex
	status      Status
	probe       monitoring.HealthMonitor // monitor of the published child, read by Status

	// Owned by the control loop
	state        State
	handle       *process.Handle
	generation   uint64
	limiter      *restartLimiter
	restartCount int
	backoffTimer *time.Timer
	stopTimer    *time.Timer
	inFlight     *command
	deferred     []command
	forcedKill   bool
	lastExit     *process.ExitStatus
	lastError    error
	health       monitoring.HealthMonitor
	healthKill   bool // current stop was initiated by a failed health check
}

func New(config ManagedProcessConfig, logger logging.Logger, options ...Option) (*Supervisor, error) {
	config = applyDefaults(config)
	if err := ValidateManagedProcessConfig(config); err != nil {
		return nil, err
	}

	s := &Supervisor{
		config:        config,
		logger:        logger,
		journal:       journal.Discard,
		commands:      make(chan command),
		exits:         make(chan exitNotification, 1),
		healthReports: make(chan healthNotification, 1), // full means a report is already pending
		done:          make(chan struct{}),
		state:         StateStopped,
		limiter:       newRestartLimiter(config.Restart, config.ID, logger),
	}

	for _, option := range options {
		option(s)
	}

	s.publish()

	return s, nil
}

// ID returns the managed process identifier
func (s *Supervisor) ID() string {
	return s.config.ID
}

// Start launches the process. It is rejected unless the process is stopped.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	return s.submit(ctx, commandStart)
}

// Stop terminates the process, escalating to SIGKILL after the stop timeout.
// A pending restart is cancelled.
func (s *Supervisor) Stop(ctx context.Context) (Status, error) {
	return s.submit(ctx, commandStop)
}

// Restart stops the process, if running, and starts it again. No other command
// is handled in between.
func (s *Supervisor) Restart(ctx context.Context) (Status, error) {
	return s.submit(ctx, commandRestart)
}

// Status returns the last published snapshot with the current probe verdict
func (s *Supervisor) Status() Status {
	s.statusMutex.RLock()
	status := s.status
	probe := s.probe
	s.statusMutex.RUnlock()

	if probe != nil {
		status.Health = probe.State().Status
	}
	return status
}

// submit hands a command to the control loop and waits for its result. If ctx
// ends after delivery the command still completes; only the wait is abandoned.
func (s *Supervisor) submit(ctx context.Context, kind commandKind) (Status, error) {
	if ctx == nil {
		return s.Status(), errors.NewValidationError("context cannot be nil", nil)
	}

	cmd := command{kind: kind, reply: make(chan commandResult, 1)}

	select {
	case s.commands <- cmd:
	case <-s.done:
		return s.Status(), errors.NewCancelledError("supervisor is shut down", nil).WithContext("command", string(kind))
	case <-ctx.Done():
		return s.Status(), errors.NewCancelledError("command was not delivered", ctx.Err()).WithContext("command", string(kind))
	}

	select {
	case result := <-cmd.reply:
		return result.status, result.err
	case <-ctx.Done():
		return s.Status(), errors.NewCancelledError("stopped waiting for command result", ctx.Err()).WithContext("command", string(kind))
	}
}

// Run executes the control loop until ctx is done, then drains: a live child
// is terminated (SIGKILL after the stop timeout) and waited for, and commands
// still queued are answered with a cancelled error. Run may be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.NewConflictError("supervisor control loop already started", nil).WithContext("id", s.config.ID)
	}
	defer close(s.done)

	s.logger.Infof("Supervisor control loop started, id: %s, policy: %s, stop timeout: %v",
		s.config.ID, s.config.Restart.Policy, s.config.StopTimeout)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case cmd := <-s.commands:
			s.handleCommand(cmd)

		case n := <-s.exits:
			s.handleExit(n)

		case n := <-s.healthReports:
			s.handleHealthFailure(n)

		case <-timerC(s.backoffTimer):
			s.backoffTimer = nil
			s.handleBackoffExpired()

		case <-timerC(s.stopTimer):
			s.stopTimer = nil
			s.handleStopTimeout()
		}

		s.publish()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Supervisor) handleCommand(cmd command) {
	if s.inFlight != nil {
		s.logger.Debugf("Deferring command, id: %s, command: %s, in flight: %s", s.config.ID, cmd.kind, s.inFlight.kind)
		s.deferred = append(s.deferred, cmd)
		return
	}

	s.logger.Infof("Command received, id: %s, command: %s, state: %s", s.config.ID, cmd.kind, s.state)

	switch cmd.kind {
	case commandStart:
		s.handleStart(cmd)
	case commandStop:
		s.handleStop(cmd)
	case commandRestart:
		s.handleRestart(cmd)
	default:
		cmd.respond(s.snapshot(), errors.NewInternalError("unknown command: "+string(cmd.kind), nil))
	}
}

func (s *Supervisor) handleStart(cmd command) {
	if s.state != StateStopped {
		s.reject(cmd, "already running")
		return
	}

	s.resetRestartTracking()
	err := s.launch()
	if err != nil {
		s.setState(StateStopped)
	}
	cmd.respond(s.snapshot(), err)
}

func (s *Supervisor) handleStop(cmd command) {
	switch s.state {
	case StateStarting:
		s.cancelBackoff()
		s.setState(StateStopped)
		cmd.respond(s.snapshot(), nil)
	case StateRunning:
		s.beginStop(cmd)
	case StateStopping:
		s.adoptStop(cmd)
	default:
		s.reject(cmd, "not running")
	}
}

func (s *Supervisor) handleRestart(cmd command) {
	switch s.state {
	case StateStopped:
		// Nothing to stop; the "not running" of the stop half is not reported
		s.handleStart(cmd)
	case StateStarting:
		s.cancelBackoff()
		s.resetRestartTracking()
		err := s.launch()
		if err != nil {
			s.setState(StateStopped)
		}
		cmd.respond(s.snapshot(), err)
	case StateRunning:
		s.beginStop(cmd)
	case StateStopping:
		s.adoptStop(cmd)
	default:
		s.reject(cmd, "transition in progress")
	}
}

func (s *Supervisor) reject(cmd command, reason string) {
	s.logger.Warnf("Command rejected, id: %s, command: %s, state: %s, reason: %s", s.config.ID, cmd.kind, s.state, reason)

	err := errors.NewCommandRejectedError(reason, nil).
		WithContext("id", s.config.ID).
		WithContext("command", string(cmd.kind)).
		WithContext("state", string(s.state))
	cmd.respond(s.snapshot(), err)
}

// beginStop signals the child and leaves cmd in flight until the exit arrives
func (s *Supervisor) beginStop(cmd command) {
	s.inFlight = &cmd
	s.forcedKill = false
	s.setState(StateStopping)

	s.logger.Infof("Stopping process, id: %s, PID: %d, timeout: %v", s.config.ID, s.handle.PID, s.config.StopTimeout)
	if err := s.handle.Terminate(); err != nil {
		s.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", s.config.ID, s.handle.PID, err)
	}

	s.stopTimer = time.NewTimer(s.config.StopTimeout)
}

// adoptStop attaches cmd to a termination started by a failed health check, so
// that the exit completes cmd instead of triggering the restart policy.
// Stopping with a command in flight never gets here: commands are deferred.
func (s *Supervisor) adoptStop(cmd command) {
	s.logger.Infof("Command takes over health check stop, id: %s, command: %s", s.config.ID, cmd.kind)
	s.healthKill = false
	s.inFlight = &cmd
}

func (s *Supervisor) handleExit(n exitNotification) {
	if !s.recordExit(n) {
		return
	}

	if s.inFlight != nil {
		s.completeStop()
		return
	}

	healthKill := s.healthKill
	s.healthKill = false
	if healthKill && s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}

	s.handleUnexpectedExit(n.status, healthKill)
}

// recordExit stores the exit of the current child. Notifications of earlier
// launches are ignored.
func (s *Supervisor) recordExit(n exitNotification) bool {
	if s.handle == nil || n.generation != s.generation {
		s.logger.Debugf("Ignoring stale exit notification, id: %s, PID: %d, generation: %d, current: %d",
			s.config.ID, n.pid, n.generation, s.generation)
		return false
	}

	expected := s.state == StateStopping && !s.healthKill
	invocationID := s.handle.InvocationID
	s.handle = nil
	s.stopHealthMonitor()

	status := n.status
	s.lastExit = &status

	s.logger.Infof("Process exited, id: %s, PID: %d, code: %d, signal: %s, expected: %t",
		s.config.ID, n.pid, status.Code, status.Signal, expected)
	if status.Error != "" {
		s.logger.Warnf("Process wait reported an error, id: %s, PID: %d, error: %s", s.config.ID, n.pid, status.Error)
	}

	s.removePIDFile()
	s.writeJournal(&journal.EventProcessExited{
		ID:           s.config.ID,
		PID:          n.pid,
		InvocationID: invocationID,
		ExitCode:     status.Code,
		Signal:       status.Signal,
		Expected:     expected,
	})

	return true
}

func (s *Supervisor) completeStop() {
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}

	cmd := *s.inFlight
	s.inFlight = nil
	s.setState(StateStopped)

	var err error
	if cmd.kind == commandRestart {
		s.resetRestartTracking()
		if err = s.launch(); err != nil {
			s.setState(StateStopped)
		}
	}
	cmd.respond(s.snapshot(), err)

	s.replayDeferred()
}

func (s *Supervisor) replayDeferred() {
	for s.inFlight == nil && len(s.deferred) > 0 {
		cmd := s.deferred[0]
		s.deferred = s.deferred[1:]
		s.handleCommand(cmd)
	}
}

// handleUnexpectedExit applies the restart policy. An exit forced by a failed
// health check counts as a failure whatever the exit code.
func (s *Supervisor) handleUnexpectedExit(status process.ExitStatus, healthKill bool) {
	s.setState(StateFailed)

	if healthKill {
		s.lastError = errors.NewUnexpectedExitError("process failed its health check", nil).
			WithContext("id", s.config.ID).
			WithContext("exit_code", status.Code).
			WithContext("signal", status.Signal)
	} else if !status.Success() {
		s.lastError = errors.NewUnexpectedExitError("process exited unexpectedly", nil).
			WithContext("id", s.config.ID).
			WithContext("exit_code", status.Code).
			WithContext("signal", status.Signal)
	}

	if !healthKill && !shouldRestart(s.config.Restart.Policy, status) {
		s.logger.Infof("Restart policy does not restart the process, id: %s, policy: %s, code: %d",
			s.config.ID, s.config.Restart.Policy, status.Code)
		s.setState(StateStopped)
		return
	}

	s.scheduleRestart()
}

// scheduleRestart counts a failure and either arms the backoff timer or gives up
func (s *Supervisor) scheduleRestart() {
	s.restartCount++

	delay, err := s.limiter.RecordFailure(time.Now())
	if err != nil {
		s.lastError = err
		limiterState := s.limiter.GetState()
		s.writeJournal(&journal.EventRestartLimitExceeded{
			ID:         s.config.ID,
			Failures:   limiterState.Failures,
			MaxRetries: s.config.Restart.MaxRetries,
			Window:     s.config.Restart.Window,
		})
		s.setState(StateStopped)
		return
	}

	s.setState(StateStarting)
	s.backoffTimer = time.NewTimer(delay)

	s.logger.Infof("Restart scheduled, id: %s, restart count: %d, delay: %v", s.config.ID, s.restartCount, delay)
	s.writeJournal(&journal.EventRestartScheduled{
		ID:           s.config.ID,
		RestartCount: s.restartCount,
		Delay:        delay,
	})
}

func (s *Supervisor) handleBackoffExpired() {
	if s.state != StateStarting {
		return
	}

	if err := s.launch(); err != nil {
		s.setState(StateFailed)
		s.scheduleRestart()
	}
}

func (s *Supervisor) handleStopTimeout() {
	if s.handle == nil || s.state != StateStopping {
		return
	}

	s.logger.Warnf("Process did not exit within stop timeout, killing, id: %s, PID: %d, timeout: %v",
		s.config.ID, s.handle.PID, s.config.StopTimeout)

	if err := s.handle.Kill(); err != nil {
		s.logger.Errorf("Failed to kill process, id: %s, PID: %d, error: %v", s.config.ID, s.handle.PID, err)
	}

	s.forcedKill = true
	s.lastError = errors.NewShutdownTimeoutError("process did not exit within stop timeout", nil).
		WithContext("id", s.config.ID).
		WithContext("pid", s.handle.PID).
		WithContext("stop_timeout", s.config.StopTimeout.String())

	s.writeJournal(&journal.EventForcedKill{
		ID:          s.config.ID,
		PID:         s.handle.PID,
		StopTimeout: s.config.StopTimeout,
	})
}

// handleHealthFailure terminates an unhealthy child so that the restart policy
// brings it back. With the never policy the verdict is only reported.
func (s *Supervisor) handleHealthFailure(n healthNotification) {
	if s.handle == nil || n.generation != s.generation || s.state != StateRunning {
		return
	}

	restart := s.config.Restart.Policy != RestartNever

	s.logger.Warnf("Process is unhealthy, id: %s, PID: %d, consecutive failures: %d, restart: %t, message: %s",
		s.config.ID, s.handle.PID, n.state.ConsecutiveFailures, restart, n.state.Message)
	s.writeJournal(&journal.EventHealthCheckFailed{
		ID:                  s.config.ID,
		PID:                 s.handle.PID,
		Message:             n.state.Message,
		ConsecutiveFailures: n.state.ConsecutiveFailures,
		Restarted:           restart,
	})

	if !restart {
		return
	}

	s.healthKill = true
	s.forcedKill = false
	s.setState(StateStopping)

	if err := s.handle.Terminate(); err != nil {
		s.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", s.config.ID, s.handle.PID, err)
	}
	s.stopTimer = time.NewTimer(s.config.StopTimeout)
}

func (s *Supervisor) startHealthMonitor(generation uint64) {
	if !s.config.HealthCheck.Enabled() {
		return
	}

	monitor := monitoring.NewHealthMonitor(s.config.HealthCheck, s.config.ID, s.logger)
	monitor.SetUnhealthyCallback(func(state monitoring.HealthCheckState) {
		select {
		case s.healthReports <- healthNotification{generation: generation, state: state}:
		default:
		}
	})

	if err := monitor.Start(context.Background()); err != nil {
		s.logger.Errorf("Failed to start health monitor, id: %s, error: %v", s.config.ID, err)
		s.writeJournal(&journal.EventWarning{Component: "health", Error: err.Error()})
		return
	}
	s.health = monitor
}

func (s *Supervisor) stopHealthMonitor() {
	if s.health == nil {
		return
	}
	s.health.Stop()
	s.health = nil
}

func (s *Supervisor) cancelBackoff() {
	if s.backoffTimer != nil {
		s.backoffTimer.Stop()
		s.backoffTimer = nil
		s.logger.Infof("Pending restart cancelled, id: %s", s.config.ID)
	}
}

func (s *Supervisor) resetRestartTracking() {
	s.restartCount = 0
	s.lastError = nil
	s.limiter.Reset()
}

// launch starts a new child. On failure the state is left at starting and the
// caller decides where to go.
func (s *Supervisor) launch() error {
	s.setState(StateStarting)

	invocationID := uuid.NewString()
	handle, err := process.Launch(context.Background(), s.config.Execution, process.LaunchOptions{
		Output:       s.output,
		InvocationID: invocationID,
	}, s.logger)
	if err != nil {
		s.lastError = err
		s.logger.Errorf("Failed to launch process, id: %s, error: %v", s.config.ID, err)
		s.writeJournal(&journal.EventProcessSpawnError{
			ID:    s.config.ID,
			Error: err.Error(),
		})
		return err
	}

	s.generation++
	s.handle = handle

	s.writePIDFile(handle.PID)
	s.writeJournal(&journal.EventProcessSpawned{
		ID:           s.config.ID,
		PID:          handle.PID,
		InvocationID: handle.InvocationID,
		RestartCount: s.restartCount,
	})

	go s.watch(handle, s.generation)
	s.startHealthMonitor(s.generation)

	s.setState(StateRunning)
	return nil
}

// watch waits for the child to exit and notifies the loop
func (s *Supervisor) watch(handle *process.Handle, generation uint64) {
	status := handle.Wait()

	select {
	case s.exits <- exitNotification{generation: generation, pid: handle.PID, status: status}:
	case <-s.done:
	}
}

// shutdown drains the supervisor when Run's context ends
func (s *Supervisor) shutdown() {
	s.logger.Infof("Supervisor shutting down, id: %s, state: %s", s.config.ID, s.state)

	s.cancelBackoff()

	if s.handle != nil {
		if s.state != StateStopping {
			s.forcedKill = false
			s.setState(StateStopping)
			if err := s.handle.Terminate(); err != nil {
				s.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", s.config.ID, s.handle.PID, err)
			}
			s.stopTimer = time.NewTimer(s.config.StopTimeout)
		}

		for s.handle != nil {
			select {
			case n := <-s.exits:
				s.recordExit(n)
			case <-timerC(s.stopTimer):
				s.stopTimer = nil
				s.handleStopTimeout()
			}
		}

		if s.stopTimer != nil {
			s.stopTimer.Stop()
			s.stopTimer = nil
		}
	}

	s.setState(StateStopped)

	cancelled := errors.NewCancelledError("supervisor is shutting down", nil).WithContext("id", s.config.ID)

	if s.inFlight != nil {
		cmd := *s.inFlight
		s.inFlight = nil
		if cmd.kind == commandStop {
			cmd.respond(s.snapshot(), nil)
		} else {
			cmd.respond(s.snapshot(), cancelled)
		}
	}

	for _, cmd := range s.deferred {
		cmd.respond(s.snapshot(), cancelled)
	}
	s.deferred = nil

	s.logger.Infof("Supervisor stopped, id: %s", s.config.ID)
}

func (s *Supervisor) setState(state State) {
	if s.state == state {
		return
	}

	from := s.state
	s.state = state

	s.logger.Infof("State changed, id: %s, from: %s, to: %s", s.config.ID, from, state)
	s.writeJournal(&journal.EventStateChanged{
		ID:   s.config.ID,
		From: string(from),
		To:   string(state),
	})

	s.publish()
}

// publish copies the loop-owned fields into the status snapshot
func (s *Supervisor) publish() {
	status := Status{
		ID:           s.config.ID,
		State:        s.state,
		RestartCount: s.restartCount,
		ForcedKill:   s.forcedKill,
	}

	if s.handle != nil {
		status.PID = s.handle.PID
		status.InvocationID = s.handle.InvocationID
		startedAt := s.handle.StartedAt
		status.StartedAt = &startedAt
	}

	if s.lastExit != nil {
		lastExit := *s.lastExit
		status.LastExit = &lastExit
	}

	if s.lastError != nil {
		status.LastError = s.lastError.Error()
		status.LastErrorType = errors.TypeOf(s.lastError)
	}

	s.statusMutex.Lock()
	s.status = status
	s.probe = s.health
	s.statusMutex.Unlock()
}

func (s *Supervisor) snapshot() Status {
	s.publish()
	return s.Status()
}

func (s *Supervisor) writeJournal(ev journal.Event) {
	if err := s.journal.Write(ev); err != nil {
		s.logger.Warnf("Failed to write journal event, id: %s, type: %s, error: %v", s.config.ID, ev.Type(), err)
	}
}

func (s *Supervisor) writePIDFile(pid int) {
	if s.pidFiles == nil {
		return
	}
	if err := s.pidFiles.WritePIDFile(s.config.ID, pid); err != nil {
		s.writeJournal(&journal.EventWarning{Component: "pidfile", Error: err.Error()})
	}
}

func (s *Supervisor) removePIDFile() {
	if s.pidFiles == nil {
		return
	}
	if err := s.pidFiles.RemovePIDFile(s.config.ID); err != nil {
		s.writeJournal(&journal.EventWarning{Component: "pidfile", Error: err.Error()})
	}
}
