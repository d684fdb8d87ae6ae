package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// flakytest is a child process for exercising the supervisor by hand: it
// prints its invocation, runs for a while and exits with a chosen code.
type flagOptions struct {
	RunDuration   int  `long:"run-duration" description:"Duration in seconds to run before exiting, 0 runs until signalled"`
	ExitCode      int  `long:"exit-code" description:"Exit code to return when the run duration elapses"`
	IgnoreSIGTERM bool `long:"ignore-sigterm" description:"Keep running on SIGTERM, so that only SIGKILL stops the process"`
	TickSeconds   int  `long:"tick" default:"1" description:"Interval in seconds between output lines"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running Flakytest, PID: %d, invocation: %s, opts: %+v...\n",
		os.Getpid(), os.Getenv("HSU_INVOCATION_ID"), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	tick := time.Duration(opts.TickSeconds) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	fmt.Printf("Flakytest is ready\n")

	for {
		select {
		case receivedSignal := <-sig:
			fmt.Printf("Flakytest received signal: %v\n", receivedSignal)
			if opts.IgnoreSIGTERM && receivedSignal == syscall.SIGTERM {
				fmt.Printf("Flakytest ignores SIGTERM\n")
				continue
			}
			fmt.Printf("Flakytest stopped\n")
			return

		case <-ticker.C:
			fmt.Printf("Flakytest is alive, %s\n", time.Now().Format(time.RFC3339))

		case <-ctx.Done():
			fmt.Printf("Flakytest run duration elapsed, exiting with code %d\n", opts.ExitCode)
			os.Exit(opts.ExitCode)
		}
	}
}
