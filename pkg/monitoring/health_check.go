package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const (
	DefaultHealthCheckInterval  = 10 * time.Second
	DefaultHealthCheckTimeout   = 5 * time.Second
	DefaultHealthCheckThreshold = 3
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP HealthCheckType = "http"
	HealthCheckTypeGRPC HealthCheckType = "grpc"
	HealthCheckTypeTCP  HealthCheckType = "tcp"
	HealthCheckTypeExec HealthCheckType = "exec"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// GRPCHealthCheckConfig targets the standard grpc.health.v1.Health service
type GRPCHealthCheckConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"` // empty asks for the overall server health
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// HealthCheckConfig describes a probe run against the managed process while it
// is running. An empty Type disables probing.
type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type,omitempty"`

	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`
	GRPC GRPCHealthCheckConfig `yaml:"grpc,omitempty"`
	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty"`
	Exec ExecHealthCheckConfig `yaml:"exec,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

type HealthCheckRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	// FailureThreshold consecutive failures make the process unhealthy
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
}

// Enabled reports whether a probe is configured
func (c HealthCheckConfig) Enabled() bool {
	return c.Type != ""
}

// WithDefaults fills in run options left at zero
func (c HealthCheckConfig) WithDefaults() HealthCheckConfig {
	if !c.Enabled() {
		return c
	}
	if c.RunOptions.Interval == 0 {
		c.RunOptions.Interval = DefaultHealthCheckInterval
	}
	if c.RunOptions.Timeout == 0 {
		c.RunOptions.Timeout = DefaultHealthCheckTimeout
		if c.RunOptions.Timeout >= c.RunOptions.Interval {
			c.RunOptions.Timeout = c.RunOptions.Interval / 2
		}
	}
	if c.RunOptions.FailureThreshold == 0 {
		c.RunOptions.FailureThreshold = DefaultHealthCheckThreshold
	}
	if c.Type == HealthCheckTypeHTTP && c.HTTP.Method == "" {
		c.HTTP.Method = http.MethodGet
	}
	return c
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// UnhealthyCallback is invoked from the probe goroutine each time the failure
// threshold is reached. It must not block.
type UnhealthyCallback func(state HealthCheckState)

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() HealthCheckState
	SetUnhealthyCallback(callback UnhealthyCallback)
}

type healthMonitor struct {
	config *HealthCheckConfig
	id     string
	logger logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex             sync.Mutex
	state             HealthCheckState
	unhealthyCallback UnhealthyCallback
}

func NewHealthMonitor(config HealthCheckConfig, id string, logger logging.Logger) HealthMonitor {
	config = config.WithDefaults()
	return &healthMonitor{
		config: &config,
		id:     id,
		logger: logger,
		state:  HealthCheckState{Status: HealthCheckStatusUnknown},
	}
}

// Start begins probing until Stop is called or ctx is done
func (h *healthMonitor) Start(ctx context.Context) error {
	if err := ValidateHealthCheckConfig(*h.config); err != nil {
		h.logger.Errorf("Health check configuration validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid health check configuration", err).WithContext("id", h.id)
	}

	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.id, h.config.Type, h.config.RunOptions.Interval)

	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

// Stop cancels a probe in progress and waits for the loop to end
func (h *healthMonitor) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.logger.Debugf("Health monitor stopped, id: %s", h.id)
}

func (h *healthMonitor) State() HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

func (h *healthMonitor) SetUnhealthyCallback(callback UnhealthyCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.unhealthyCallback = callback
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	if h.config.RunOptions.InitialDelay > 0 {
		h.logger.Debugf("Health monitor initial delay, id: %s, delay: %v", h.id, h.config.RunOptions.InitialDelay)
		timer := time.NewTimer(h.config.RunOptions.InitialDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	ticker := time.NewTicker(h.config.RunOptions.Interval)
	defer ticker.Stop()

	h.performCheck(ctx)

	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *healthMonitor) performCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, h.config.RunOptions.Timeout)
	defer cancel()

	var isHealthy bool
	var message string

	switch h.config.Type {
	case HealthCheckTypeHTTP:
		isHealthy, message = checkHTTP(checkCtx, h.config.HTTP)
	case HealthCheckTypeGRPC:
		isHealthy, message = checkGRPC(checkCtx, h.config.GRPC)
	case HealthCheckTypeTCP:
		isHealthy, message = checkTCP(checkCtx, h.config.TCP)
	case HealthCheckTypeExec:
		isHealthy, message = checkExec(checkCtx, h.config.Exec)
	default:
		isHealthy, message = false, "unknown health check type: "+string(h.config.Type)
	}

	// A probe cut short by Stop says nothing about the process
	if ctx.Err() != nil {
		return
	}

	h.updateState(isHealthy, message)
}

func (h *healthMonitor) updateState(isHealthy bool, message string) {
	h.mutex.Lock()

	previousStatus := h.state.Status
	h.state.LastCheck = time.Now()
	h.state.Message = message

	if isHealthy {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		h.state.Status = HealthCheckStatusHealthy
		if previousStatus != HealthCheckStatusHealthy {
			h.logger.Infof("Health check passed, id: %s, previous: %s, message: %s", h.id, previousStatus, message)
		}
		h.mutex.Unlock()
		return
	}

	h.state.ConsecutiveFailures++
	h.state.ConsecutiveSuccesses = 0

	threshold := h.config.RunOptions.FailureThreshold
	if h.state.ConsecutiveFailures >= threshold {
		h.state.Status = HealthCheckStatusUnhealthy
	} else {
		h.state.Status = HealthCheckStatusDegraded
	}

	h.logger.Warnf("Health check failed, id: %s, status: %s->%s, consecutive failures: %d, message: %s",
		h.id, previousStatus, h.state.Status, h.state.ConsecutiveFailures, message)

	var callback UnhealthyCallback
	if h.state.ConsecutiveFailures%threshold == 0 {
		callback = h.unhealthyCallback
	}
	state := h.state
	h.mutex.Unlock()

	if callback != nil {
		callback(state)
	}
}

func checkHTTP(ctx context.Context, config HTTPHealthCheckConfig) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("failed to create HTTP request: %v", err)
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP health check passed: %s", resp.Status)
	}
	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

func checkGRPC(ctx context.Context, config GRPCHealthCheckConfig) (bool, string) {
	conn, err := grpc.DialContext(ctx, config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return false, fmt.Sprintf("gRPC connection to %s failed: %v", config.Address, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: config.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC service %q is %s", config.Service, resp.GetStatus())
	}
	return true, fmt.Sprintf("gRPC service %q is serving", config.Service)
}

func checkTCP(ctx context.Context, config TCPHealthCheckConfig) (bool, string) {
	address := net.JoinHostPort(config.Address, fmt.Sprintf("%d", config.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()

	return true, fmt.Sprintf("TCP connection successful to %s", address)
}

func checkExec(ctx context.Context, config ExecHealthCheckConfig) (bool, string) {
	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	output, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(output))

	if ctx.Err() == context.DeadlineExceeded {
		return false, "exec health check timed out"
	}
	if err != nil {
		return false, fmt.Sprintf("exec health check failed: %v, output: %s", err, trimmed)
	}
	return true, fmt.Sprintf("exec health check passed, output: %s", trimmed)
}
