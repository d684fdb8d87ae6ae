package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	"github.com/core-tools/hsu-supervisor/pkg/daemon"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the supervisor YAML configuration" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the supervisor (debug feature)"`
	WaitLock    int    `long:"wait-lock" description:"Seconds to wait for another instance to release the journal lock"`
	Check       bool   `long:"check" description:"validate the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(daemon.ExitCodeConfig)
	}

	if opts.Check {
		if err := daemon.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(daemon.ExitCodeConfig)
		}
		fmt.Printf("Configuration is valid: %s\n", opts.Config)
		return
	}

	logger := sprintfLogging.NewStdSprintfLogger()

	logger.Infof("opts: %+v", opts)

	bootstrapLogger := logging.NewLogger(
		logPrefix("hsu-supervisor"), logging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})

	runOptions := daemon.RunOptions{
		ConfigFile:  opts.Config,
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
		LockWait:    time.Duration(opts.WaitLock) * time.Second,
	}

	err = daemon.Run(context.Background(), runOptions, bootstrapLogger)
	if err != nil {
		logger.Errorf("Supervisor failed: %v", err)
	}
	os.Exit(daemon.ExitCode(err))
}
