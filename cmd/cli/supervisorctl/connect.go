package main

import (
	"context"
	"fmt"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
)

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func discardf(string, ...interface{}) {}

func newLoggers(verbose bool) (coreLogging.Logger, logging.Logger) {
	debugf, infof, warnf, errorf := discardf, discardf, discardf, discardf
	if verbose {
		logger := sprintfLogging.NewStdSprintfLogger()
		debugf, infof, warnf, errorf = logger.Debugf, logger.Infof, logger.Warnf, logger.Errorf
	}

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: debugf,
			Infof:  infof,
			Warnf:  warnf,
			Errorf: errorf,
		})
	supervisorLogger := logging.NewLogger(
		logPrefix("hsu-supervisor"), logging.LogFuncs{
			Debugf: debugf,
			Infof:  infof,
			Warnf:  warnf,
			Errorf: errorf,
		})
	return coreLogger, supervisorLogger
}

// resolveTarget fills the port and state directory from the configuration
// file when they were not given on the command line.
func resolveTarget(opts *rootOptions) error {
	if opts.ConfigFile != "" && (opts.Port == 0 || opts.StateDirectory == "") {
		cfg, err := config.LoadConfigFromFile(opts.ConfigFile)
		if err != nil {
			return err
		}
		if opts.Port == 0 {
			opts.Port = cfg.Supervisor.Port
		}
		if opts.StateDirectory == "" {
			opts.StateDirectory = cfg.Supervisor.StateDirectory
		}
	}

	if opts.Port == 0 {
		opts.Port = config.DefaultPort
	}
	if opts.StateDirectory == "" {
		manager := processfile.NewProcessFileManager(
			processfile.GetRecommendedProcessFileConfig("user", ""), logging.NewNopLogger())
		opts.StateDirectory = manager.StateDirectory()
	}
	return nil
}

// connect attaches to the daemon, pings it and returns the supervisor control
// gateway. The returned function closes the connection.
func connect(ctx context.Context, opts *rootOptions) (domain.Contract, func(), error) {
	if err := resolveTarget(opts); err != nil {
		return nil, nil, err
	}

	coreLogger, supervisorLogger := newLoggers(opts.Verbose)

	coreConnectionOptions := coreControl.ConnectionOptions{
		ServerPath: opts.ServerPath,
		AttachPort: opts.Port,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to supervisor on port %d: %w", opts.Port, err)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: opts.PingAttempts,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger); err != nil {
		coreConnection.Shutdown()
		return nil, nil, fmt.Errorf("supervisor on port %d is not responding: %w", opts.Port, err)
	}

	return control.NewGRPCClientGateway(coreConnection.GRPC(), supervisorLogger), coreConnection.Shutdown, nil
}
