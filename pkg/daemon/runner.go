// Package daemon wires a supervisor into a long-running process: configuration,
// operational logging, the journal lock, PID files, the child's log sink and
// the gRPC control server.
package daemon

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/logsink"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// RunOptions holds the command line parameters of the daemon
type RunOptions struct {
	ConfigFile string
	// RunDuration stops the daemon after the given time; zero runs until signalled.
	RunDuration time.Duration
	// LockWait waits up to the given time for another instance to release the
	// journal lock; zero fails at once.
	LockWait time.Duration
}

// drainKillGrace bounds the wait for the control loop after the process group
// was killed on a drain timeout
const drainKillGrace = 5 * time.Second

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

// Run loads the configuration and supervises the configured process until ctx
// is done, the run duration elapses or SIGINT/SIGTERM arrives. The bootstrap
// logger is used until the configured operational logger is up. A non-nil
// error carries its exit code, see ExitCode.
func Run(ctx context.Context, options RunOptions, bootstrapLogger logging.Logger) error {
	bootstrapLogger.Infof("Supervisor runner starting...")

	if options.RunDuration > 0 {
		bootstrapLogger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	bootstrapLogger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)

	cfg, err := loadConfig(options.ConfigFile)
	if err != nil {
		bootstrapLogger.Errorf("Configuration error: %v", err)
		return newExitError(ExitCodeConfig, err)
	}

	zapLogger, syncLogger, err := logging.NewZapLogger(cfg.Supervisor.Logging)
	if err != nil {
		bootstrapLogger.Errorf("Failed to create operational logger: %v", err)
		return newExitError(ExitCodeConfig, errors.NewValidationError("failed to create operational logger", err))
	}
	defer syncLogger()

	sugar := zapLogger.Sugar()
	logger := logging.NewLogger(logPrefix("hsu-supervisor"), logging.NewZapLogFuncs(sugar))
	coreLogger := corelogging.NewLogger(logPrefix("hsu-core"), corelogging.LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})

	logger.Infof("Configuration loaded successfully from %s", options.ConfigFile)
	logger.Infof("Supervisor port: %d, process: %s, state directory: %s",
		cfg.Supervisor.Port, cfg.Process.ID, cfg.Supervisor.StateDirectory)

	journaler, err := openJournal(ctx, cfg.JournalPath(), options.LockWait, logger)
	if err != nil {
		if stderrors.Is(err, journal.ErrLockedElsewhere) {
			logger.Errorf("Another supervisor instance is running, journal: %s", cfg.JournalPath())
			return newExitError(ExitCodeLockHeld,
				errors.NewConflictError("supervisor already running elsewhere", err).WithContext("journal", cfg.JournalPath()))
		}
		logger.Errorf("Failed to open journal: %v", err)
		return newExitError(ExitCodeConfig, errors.NewIOError("failed to open journal", err).WithContext("journal", cfg.JournalPath()))
	}
	defer journaler.Close()

	writeJournal(journaler, &journal.EventSupervisorStarted{
		PID:       os.Getpid(),
		ProcessID: cfg.Process.ID,
	}, logger)

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: cfg.Supervisor.StateDirectory,
	}, logger)
	if err := pidFiles.WritePIDFile(processfile.SupervisorFileID, os.Getpid()); err != nil {
		logger.Warnf("Failed to write supervisor PID file: %v", err)
	} else {
		defer pidFiles.RemovePIDFile(processfile.SupervisorFileID)
	}

	if err := checkLeftoverProcess(pidFiles, cfg.Process.ID, journaler, logger); err != nil {
		return newExitError(ExitCodeLeftover, err)
	}

	journalLogger := logging.NewLogger("journal: ", logging.FromLogger(logger))

	supervisorOptions := []supervisor.Option{
		supervisor.WithJournal(journal.MultiWriter(journaler, journal.NewLogWriter(journalLogger))),
		supervisor.WithPIDFiles(pidFiles),
	}

	// The sink outlives ctx: the child keeps writing during the shutdown drain.
	sinkCtx, stopSinkWatch := context.WithCancel(context.Background())
	defer stopSinkWatch()

	if cfg.Process.LogSink != "" {
		sink, err := logsink.Open(cfg.Process.LogSink, logger)
		if err != nil {
			logger.Errorf("Failed to open log sink: %v", err)
			return newExitError(ExitCodeConfig, err)
		}
		defer sink.Close()

		sink.SetReopenCallback(func(path string, reason string) {
			writeJournal(journaler, &journal.EventLogSinkReopened{Path: path, Reason: reason}, logger)
		})
		if err := sink.Watch(sinkCtx); err != nil {
			logger.Warnf("Log rotation detection disabled, path: %s, error: %v", sink.Path(), err)
			writeJournal(journaler, &journal.EventWarning{Component: "logsink", Error: err.Error()}, logger)
		}

		supervisorOptions = append(supervisorOptions, supervisor.WithOutput(sink))
		logger.Infof("Process output goes to %s", sink.Path())
	}

	sup, err := supervisor.New(cfg.Process, logger, supervisorOptions...)
	if err != nil {
		return newExitError(ExitCodeConfig, err)
	}

	supervisorCtx, stopSupervisor := context.WithCancel(context.Background())
	defer stopSupervisor()

	supervisorDone := make(chan error, 1)
	go func() {
		supervisorDone <- sup.Run(supervisorCtx)
	}()

	server, err := newControlServer(cfg.Supervisor.Port, sup, coreLogger, logger)
	if err != nil {
		stopSupervisor()
		<-supervisorDone
		return newExitError(ExitCodeConfig, err)
	}

	server.Start(ctx)

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	var runErr error

	if cfg.Process.Autostart {
		logger.Infof("Supervisor is ready, starting process...")

		if _, err := sup.Start(ctx); err != nil {
			logger.Errorf("Failed to start process %s: %v", sup.ID(), err)
			if errors.IsLaunchError(err) {
				runErr = newExitError(ExitCodeLaunch, err)
			}
		}
	}

	if runErr == nil {
		select {
		case receivedSignal := <-sig:
			logger.Infof("Supervisor runner received signal: %v", receivedSignal)
		case <-ctx.Done():
			logger.Infof("Supervisor runner context done: %v", ctx.Err())
		}
	}

	logger.Infof("Ready to stop supervisor...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Supervisor.ForceShutdownTimeout)
	server.Shutdown(shutdownCtx)
	cancelShutdown()

	// The drain gets its own deadline, independent of the server shutdown
	if err := drainSupervisor(stopSupervisor, supervisorDone, sup, cfg.Supervisor.ForceShutdownTimeout, logger); err != nil {
		if runErr == nil {
			runErr = newExitError(ExitCodeConfig, err)
		}
	}

	logger.Infof("Supervisor runner stopped")

	return runErr
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	_, err := loadConfig(configFile)
	return err
}

func openJournal(ctx context.Context, path string, wait time.Duration, logger logging.Logger) (*journal.FileLockJournaler, error) {
	if wait <= 0 {
		return journal.NewFileLockJournaler(path)
	}

	logger.Infof("Waiting up to %v for the journal lock, journal: %s", wait, path)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return journal.NewFileLockJournalerWait(waitCtx, path)
}

// checkLeftoverProcess refuses to start while the process recorded in the PID
// file of an earlier run is still alive, and removes a stale PID file.
func checkLeftoverProcess(pidFiles *processfile.ProcessFileManager, id string, j journal.Journaler, logger logging.Logger) error {
	if pidFiles.IsStale(id) {
		if err := pidFiles.RemovePIDFile(id); err != nil {
			logger.Warnf("Failed to remove stale PID file, id: %s, error: %v", id, err)
		}
		return nil
	}

	pidFile := pidFiles.GeneratePIDFilePath(id)
	pid, err := pidFiles.ReadPIDFile(id)
	if err != nil {
		return err
	}

	logger.Errorf("Process of an earlier run is still alive, id: %s, PID: %d, PID file: %s", id, pid, pidFile)
	writeJournal(j, &journal.EventWarning{
		Component: "pidfile",
		Error:     fmt.Sprintf("process %d of an earlier run is still alive", pid),
	}, logger)

	return errors.NewConflictError("process of an earlier run is still alive", nil).
		WithContext("id", id).
		WithContext("pid", pid).
		WithContext("pid_file", pidFile)
}

// drainSupervisor cancels the control loop and waits up to timeout for it to
// return. If it does not, the child's process group is killed so that no child
// outlives the daemon, and a ShutdownTimeout error is returned.
func drainSupervisor(stop context.CancelFunc, done <-chan error, sup *supervisor.Supervisor, timeout time.Duration, logger logging.Logger) error {
	stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	status := sup.Status()
	logger.Errorf("Supervisor did not drain within %v, killing process group, id: %s, PID: %d", timeout, status.ID, status.PID)

	if status.PID != 0 {
		if err := process.SendKillSignal(status.PID); err != nil {
			logger.Errorf("Failed to kill process group, id: %s, PID: %d, error: %v", status.ID, status.PID, err)
		}
	}

	grace := time.NewTimer(drainKillGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		logger.Errorf("Supervisor control loop still running after kill, id: %s", status.ID)
	}

	return errors.NewShutdownTimeoutError("supervisor did not drain in time", nil).
		WithContext("id", status.ID).
		WithContext("pid", status.PID).
		WithContext("timeout", timeout.String())
}

func loadConfig(configFile string) (*config.SupervisorConfig, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return cfg, nil
}

func newControlServer(port int, sup *supervisor.Supervisor, coreLogger corelogging.Logger, logger logging.Logger) (corecontrol.Server, error) {
	server, err := corecontrol.NewServer(corecontrol.ServerOptions{Port: port}, coreLogger)
	if err != nil {
		return nil, errors.NewNetworkError("failed to create control server", err).WithContext("port", port)
	}

	// Register core services
	coreHandler := coredomain.NewDefaultHandler(coreLogger)
	corecontrol.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	// Register supervisor control
	control.RegisterGRPCServerHandler(server.GRPC(), NewSupervisorHandler(sup, logger), logger)

	return server, nil
}

func writeJournal(j journal.Journaler, ev journal.Event, logger logging.Logger) {
	if err := j.Write(ev); err != nil {
		logger.Warnf("Failed to write journal event %s: %v", ev.Type(), err)
	}
}
