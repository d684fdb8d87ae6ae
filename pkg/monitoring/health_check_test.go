package monitoring

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

func TestCheckHTTP(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "probe", r.Header.Get("X-Check"))
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := HTTPHealthCheckConfig{URL: server.URL, Method: http.MethodGet, Headers: map[string]string{"X-Check": "probe"}}

	ok, message := checkHTTP(context.Background(), config)
	assert.True(t, ok, message)

	healthy.Store(false)
	ok, message = checkHTTP(context.Background(), config)
	assert.False(t, ok)
	assert.Contains(t, message, "503")
}

func TestCheckTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	ok, message := checkTCP(context.Background(), TCPHealthCheckConfig{Address: "127.0.0.1", Port: port})
	assert.True(t, ok, message)

	require.NoError(t, listener.Close())
	ok, _ = checkTCP(context.Background(), TCPHealthCheckConfig{Address: "127.0.0.1", Port: port})
	assert.False(t, ok)
}

func TestCheckExec(t *testing.T) {
	ok, message := checkExec(context.Background(), ExecHealthCheckConfig{Command: "/bin/sh", Args: []string{"-c", "echo fine"}})
	assert.True(t, ok, message)
	assert.Contains(t, message, "fine")

	ok, _ = checkExec(context.Background(), ExecHealthCheckConfig{Command: "/bin/false"})
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ok, message = checkExec(ctx, ExecHealthCheckConfig{Command: "/bin/sleep", Args: []string{"10"}})
	assert.False(t, ok)
	assert.Contains(t, message, "timed out")
}

func TestCheckGRPC(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("app", healthpb.HealthCheckResponse_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	go func() {
		_ = server.Serve(listener)
	}()
	defer server.Stop()

	config := GRPCHealthCheckConfig{Address: listener.Addr().String(), Service: "app"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, message := checkGRPC(ctx, config)
	assert.True(t, ok, message)

	healthServer.SetServingStatus("app", healthpb.HealthCheckResponse_NOT_SERVING)
	ok, message = checkGRPC(ctx, config)
	assert.False(t, ok)
	assert.Contains(t, message, "NOT_SERVING")
}

func TestHealthMonitor_UnhealthyAfterThreshold(t *testing.T) {
	config := HealthCheckConfig{
		Type: HealthCheckTypeExec,
		Exec: ExecHealthCheckConfig{Command: "/bin/false"},
		RunOptions: HealthCheckRunOptions{
			Interval:         30 * time.Millisecond,
			Timeout:          20 * time.Millisecond,
			FailureThreshold: 2,
		},
	}

	monitor := NewHealthMonitor(config, "mydaemon", logging.NewNopLogger())

	unhealthy := make(chan HealthCheckState, 10)
	monitor.SetUnhealthyCallback(func(state HealthCheckState) {
		select {
		case unhealthy <- state:
		default:
		}
	})

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	select {
	case state := <-unhealthy:
		assert.Equal(t, HealthCheckStatusUnhealthy, state.Status)
		assert.Equal(t, 2, state.ConsecutiveFailures)
	case <-time.After(5 * time.Second):
		t.Fatal("unhealthy callback was not invoked")
	}
}

func TestHealthMonitor_HealthyProbe(t *testing.T) {
	config := HealthCheckConfig{
		Type: HealthCheckTypeExec,
		Exec: ExecHealthCheckConfig{Command: "/bin/true"},
		RunOptions: HealthCheckRunOptions{
			Interval:         100 * time.Millisecond,
			Timeout:          90 * time.Millisecond,
			FailureThreshold: 5,
		},
	}

	monitor := NewHealthMonitor(config, "mydaemon", logging.NewNopLogger())
	assert.Equal(t, HealthCheckStatusUnknown, monitor.State().Status)

	monitor.SetUnhealthyCallback(func(HealthCheckState) {
		t.Error("unhealthy callback invoked for a passing probe")
	})
	require.NoError(t, monitor.Start(context.Background()))

	require.Eventually(t, func() bool {
		return monitor.State().ConsecutiveSuccesses >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, HealthCheckStatusHealthy, monitor.State().Status)

	monitor.Stop()
}

func TestHealthMonitor_InvalidConfig(t *testing.T) {
	monitor := NewHealthMonitor(HealthCheckConfig{Type: HealthCheckTypeTCP}, "mydaemon", logging.NewNopLogger())
	assert.Error(t, monitor.Start(context.Background()))
	monitor.Stop()
}
