package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

type fakeContract struct {
	status supervisor.Status
	err    error

	mutex sync.Mutex
	calls []string
}

func (f *fakeContract) record(call string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeContract) recorded() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeContract) Start(ctx context.Context) (supervisor.Status, error) {
	f.record("start")
	return f.status, f.err
}

func (f *fakeContract) Stop(ctx context.Context) (supervisor.Status, error) {
	f.record("stop")
	return f.status, f.err
}

func (f *fakeContract) Restart(ctx context.Context) (supervisor.Status, error) {
	f.record("restart")
	return f.status, f.err
}

func (f *fakeContract) Status(ctx context.Context) (supervisor.Status, error) {
	f.record("status")
	return f.status, f.err
}

func startControlServer(t *testing.T, contract domain.Contract) domain.Contract {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	RegisterGRPCServerHandler(server, contract, logging.NewNopLogger())
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, listener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewGRPCClientGateway(conn, logging.NewNopLogger())
}

func TestControl_StatusRoundTrip(t *testing.T) {
	startedAt := time.Date(2025, 7, 28, 12, 0, 0, 123000000, time.UTC)
	fake := &fakeContract{
		status: supervisor.Status{
			ID:           "mydaemon",
			State:        supervisor.StateRunning,
			PID:          4242,
			InvocationID: "0b7e5c1e-2f43-4bb4-9d4f-3f1c2b3a4d5e",
			StartedAt:    &startedAt,
			LastExit: &process.ExitStatus{
				Code:     -1,
				Signal:   "killed",
				ExitedAt: startedAt.Add(-time.Minute),
			},
			RestartCount:  2,
			ForcedKill:    true,
			Health:        monitoring.HealthCheckStatusDegraded,
			LastError:     "shutdown_timeout: process did not exit within the stop timeout",
			LastErrorType: errors.ErrorTypeShutdownTimeout,
		},
	}
	gateway := startControlServer(t, fake)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fake.status.ID, status.ID)
	assert.Equal(t, fake.status.State, status.State)
	assert.Equal(t, 4242, status.PID)
	assert.Equal(t, fake.status.InvocationID, status.InvocationID)
	require.NotNil(t, status.StartedAt)
	assert.True(t, startedAt.Equal(*status.StartedAt))
	require.NotNil(t, status.LastExit)
	assert.Equal(t, -1, status.LastExit.Code)
	assert.Equal(t, "killed", status.LastExit.Signal)
	assert.Equal(t, 2, status.RestartCount)
	assert.True(t, status.ForcedKill)
	assert.Equal(t, monitoring.HealthCheckStatusDegraded, status.Health)
	assert.Equal(t, errors.ErrorTypeShutdownTimeout, status.LastErrorType)
	assert.Equal(t, []string{"status"}, fake.recorded())
}

func TestControl_CommandsReachHandler(t *testing.T) {
	fake := &fakeContract{status: supervisor.Status{ID: "mydaemon", State: supervisor.StateStopped}}
	gateway := startControlServer(t, fake)
	ctx := context.Background()

	_, err := gateway.Start(ctx)
	require.NoError(t, err)
	_, err = gateway.Stop(ctx)
	require.NoError(t, err)
	status, err := gateway.Restart(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "stop", "restart"}, fake.recorded())
	assert.Nil(t, status.LastExit)
	assert.Nil(t, status.StartedAt)
}

func TestControl_RejectedCommandKeepsType(t *testing.T) {
	fake := &fakeContract{
		status: supervisor.Status{ID: "mydaemon", State: supervisor.StateStopped},
		err:    errors.NewCommandRejectedError("not running", nil).WithContext("state", "stopped"),
	}
	gateway := startControlServer(t, fake)

	status, err := gateway.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCommandRejectedError(err))
	assert.Equal(t, "command_rejected: not running", err.Error())
	assert.Equal(t, supervisor.StateStopped, status.State)
}

func TestControl_PlainErrorBecomesInternal(t *testing.T) {
	fake := &fakeContract{err: assert.AnError}
	gateway := startControlServer(t, fake)

	_, err := gateway.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInternalError(err))
	assert.Contains(t, err.Error(), assert.AnError.Error())
}

func TestControl_UnreachableServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	gateway := NewGRPCClientGateway(conn, logging.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = gateway.Status(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
}

func TestDescribeError_IncludesCause(t *testing.T) {
	errorType, message := describeError(errors.NewLaunchError("failed to start the process", assert.AnError))
	assert.Equal(t, errors.ErrorTypeLaunch, errorType)
	assert.Equal(t, "failed to start the process: "+assert.AnError.Error(), message)
}
