//go:build !windows

package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func writeDaemonConfig(t *testing.T, stateDir string, port int, processYAML string) string {
	t.Helper()
	content := fmt.Sprintf(`
supervisor:
  port: %d
  state_directory: %q
  force_shutdown_timeout: 15s
  logging:
    level: debug
    output: %q
process:
%s
`, port, stateDir, filepath.Join(stateDir, "supervisor.log"), processYAML)

	path := filepath.Join(t.TempDir(), "supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitCodeOK, ExitCode(nil))
	assert.Equal(t, ExitCodeConfig, ExitCode(assert.AnError))
	assert.Equal(t, ExitCodeLaunch, ExitCode(newExitError(ExitCodeLaunch, assert.AnError)))
	assert.Equal(t, ExitCodeLockHeld, ExitCode(fmt.Errorf("run: %w", newExitError(ExitCodeLockHeld, assert.AnError))))
}

func TestRun_MissingConfig(t *testing.T) {
	err := Run(context.Background(), RunOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")}, logging.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, ExitCodeConfig, ExitCode(err))
	assert.True(t, errors.IsIOError(err))
}

func TestRun_InvalidConfig(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: broken
  execution:
    executable_path: /bin/true
  restart:
    policy: sometimes
`)

	err := Run(context.Background(), RunOptions{ConfigFile: configFile}, logging.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, ExitCodeConfig, ExitCode(err))
	assert.Error(t, ValidateConfigFile(configFile))
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: sleeper
  execution:
    executable_path: /bin/sleep
    args: ["100"]
`)
	require.NoError(t, ValidateConfigFile(configFile))

	holder, err := journal.NewFileLockJournaler(filepath.Join(stateDir, journal.FileName))
	require.NoError(t, err)
	defer holder.Close()

	err = Run(context.Background(), RunOptions{ConfigFile: configFile}, logging.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, ExitCodeLockHeld, ExitCode(err))
	assert.True(t, errors.IsConflictError(err))
}

func TestRun_AutostartLaunchFailure(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: ghost
  execution:
    executable_path: /nonexistent/ghost
`)

	err := Run(context.Background(), RunOptions{ConfigFile: configFile}, logging.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, ExitCodeLaunch, ExitCode(err))
	assert.True(t, errors.IsLaunchError(err))

	entries, err := journal.ReadTailFromFile(filepath.Join(stateDir, journal.FileName), 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "supervisor started", entries[0].Event.Type())
	assert.Contains(t, eventTypes(entries), "process spawn error")
}

func TestRun_SupervisesUntilCancelled(t *testing.T) {
	stateDir := t.TempDir()
	port := freePort(t)
	configFile := writeDaemonConfig(t, stateDir, port, `
  id: sleeper
  execution:
    executable_path: /bin/sleep
    args: ["100"]
  stop_timeout: 5s
  log_sink: sleeper.log
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, RunOptions{ConfigFile: configFile}, logging.NewNopLogger())
	}()

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: stateDir}, logging.NewNopLogger())

	var childPID int
	require.Eventually(t, func() bool {
		pid, err := pidFiles.ReadPIDFile("sleeper")
		if err != nil {
			return false
		}
		childPID = pid
		return true
	}, 5*time.Second, 20*time.Millisecond)

	supervisorPID, err := pidFiles.ReadPIDFile(processfile.SupervisorFileID)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), supervisorPID)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	conn, err := grpc.DialContext(dialCtx, fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	require.NoError(t, err)
	defer conn.Close()

	gateway := control.NewGRPCClientGateway(conn, logging.NewNopLogger())

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sleeper", status.ID)
	assert.Equal(t, supervisor.StateRunning, status.State)
	assert.Equal(t, childPID, status.PID)

	_, err = gateway.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCommandRejectedError(err))

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	running, err := process.IsProcessRunning(childPID)
	require.NoError(t, err)
	assert.False(t, running)

	_, err = os.Stat(pidFiles.GeneratePIDFilePath(processfile.SupervisorFileID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(stateDir, "sleeper.log"))
	assert.NoError(t, err)

	entries, err := journal.ReadTailFromFile(filepath.Join(stateDir, journal.FileName), 0)
	require.NoError(t, err)
	types := eventTypes(entries)
	assert.Contains(t, types, "supervisor started")
	assert.Contains(t, types, "process spawned")
	assert.Contains(t, types, "process exited")
}

func eventTypes(entries []journal.Entry) []string {
	types := make([]string, 0, len(entries))
	for _, entry := range entries {
		types = append(types, entry.Event.Type())
	}
	return types
}

func TestRun_KillsChildIgnoringSIGTERM(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: stubborn
  execution:
    executable_path: /bin/sh
    args: ["-c", "trap '' TERM; sleep 30"]
  stop_timeout: 500ms
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, RunOptions{ConfigFile: configFile}, logging.NewNopLogger())
	}()

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: stateDir}, logging.NewNopLogger())

	var childPID int
	require.Eventually(t, func() bool {
		pid, err := pidFiles.ReadPIDFile("stubborn")
		if err != nil {
			return false
		}
		childPID = pid
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	running, err := process.IsProcessRunning(childPID)
	require.NoError(t, err)
	assert.False(t, running)

	_, err = os.Stat(pidFiles.GeneratePIDFilePath("stubborn"))
	assert.True(t, os.IsNotExist(err))

	entries, err := journal.ReadTailFromFile(filepath.Join(stateDir, journal.FileName), 0)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(entries), "forced kill")
}

func TestDrainSupervisor_KillsProcessGroupAfterTimeout(t *testing.T) {
	// The stop timeout outlasts the drain, so only the drain's kill ends the child
	sup, err := supervisor.New(supervisor.ManagedProcessConfig{
		ID: "stubborn",
		Execution: process.ExecutionConfig{
			ExecutablePath: "/bin/sh",
			Args:           []string{"-c", "trap '' TERM; sleep 30"},
		},
		Restart:     supervisor.RestartConfig{Policy: supervisor.RestartNever},
		StopTimeout: 30 * time.Second,
	}, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	supervisorDone := make(chan error, 1)
	go func() {
		supervisorDone <- sup.Run(ctx)
	}()

	status, err := sup.Start(context.Background())
	require.NoError(t, err)
	require.NotZero(t, status.PID)

	began := time.Now()
	err = drainSupervisor(stop, supervisorDone, sup, 300*time.Millisecond, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsShutdownTimeoutError(err))
	assert.Less(t, time.Since(began), 10*time.Second)

	assert.Equal(t, supervisor.StateStopped, sup.Status().State)
	require.Eventually(t, func() bool {
		running, err := process.IsProcessRunning(status.PID)
		return err == nil && !running
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDrainSupervisor_ReturnsWhenLoopEnds(t *testing.T) {
	sup, err := supervisor.New(supervisor.ManagedProcessConfig{
		ID:        "sleeper",
		Execution: process.ExecutionConfig{ExecutablePath: "/bin/sleep", Args: []string{"30"}},
	}, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	supervisorDone := make(chan error, 1)
	go func() {
		supervisorDone <- sup.Run(ctx)
	}()

	status, err := sup.Start(context.Background())
	require.NoError(t, err)
	require.NotZero(t, status.PID)

	require.NoError(t, drainSupervisor(stop, supervisorDone, sup, 10*time.Second, logging.NewNopLogger()))
	running, err := process.IsProcessRunning(status.PID)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRun_LeftoverProcessBlocksStartup(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: sleeper
  execution:
    executable_path: /bin/sleep
    args: ["100"]
`)

	leftover := exec.Command("/bin/sleep", "30")
	require.NoError(t, leftover.Start())
	t.Cleanup(func() {
		_ = leftover.Process.Kill()
		_ = leftover.Wait()
	})

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: stateDir}, logging.NewNopLogger())
	require.NoError(t, pidFiles.WritePIDFile("sleeper", leftover.Process.Pid))

	err := Run(context.Background(), RunOptions{ConfigFile: configFile}, logging.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, ExitCodeLeftover, ExitCode(err))
	assert.True(t, errors.IsConflictError(err))

	running, err := process.IsProcessRunning(leftover.Process.Pid)
	require.NoError(t, err)
	assert.True(t, running)

	pid, err := pidFiles.ReadPIDFile("sleeper")
	require.NoError(t, err)
	assert.Equal(t, leftover.Process.Pid, pid)

	entries, err := journal.ReadTailFromFile(filepath.Join(stateDir, journal.FileName), 0)
	require.NoError(t, err)
	types := eventTypes(entries)
	assert.Contains(t, types, "warning")
	assert.NotContains(t, types, "process spawned")
}

func TestRun_RemovesStalePIDFile(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: sleeper
  execution:
    executable_path: /bin/sleep
    args: ["100"]
  autostart: false
`)

	finished := exec.Command("/bin/true")
	require.NoError(t, finished.Run())

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: stateDir}, logging.NewNopLogger())
	require.NoError(t, pidFiles.WritePIDFile("sleeper", finished.ProcessState.Pid()))

	err := Run(context.Background(), RunOptions{ConfigFile: configFile, RunDuration: 300 * time.Millisecond}, logging.NewNopLogger())
	require.NoError(t, err)

	_, err = os.Stat(pidFiles.GeneratePIDFilePath("sleeper"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_WaitsForJournalLock(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: sleeper
  execution:
    executable_path: /bin/sleep
    args: ["100"]
  autostart: false
`)

	holder, err := journal.NewFileLockJournaler(filepath.Join(stateDir, journal.FileName))
	require.NoError(t, err)
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = holder.Close()
	}()

	err = Run(context.Background(), RunOptions{
		ConfigFile:  configFile,
		RunDuration: 2 * time.Second,
		LockWait:    10 * time.Second,
	}, logging.NewNopLogger())
	require.NoError(t, err)

	entries, err := journal.ReadTailFromFile(filepath.Join(stateDir, journal.FileName), 0)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(entries), "supervisor started")
}

func TestRun_LockWaitExpires(t *testing.T) {
	stateDir := t.TempDir()
	configFile := writeDaemonConfig(t, stateDir, freePort(t), `
  id: sleeper
  execution:
    executable_path: /bin/sleep
    args: ["100"]
`)

	holder, err := journal.NewFileLockJournaler(filepath.Join(stateDir, journal.FileName))
	require.NoError(t, err)
	defer holder.Close()

	err = Run(context.Background(), RunOptions{ConfigFile: configFile, LockWait: 200 * time.Millisecond}, logging.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, ExitCodeLockHeld, ExitCode(err))
	assert.True(t, errors.IsConflictError(err))
}
