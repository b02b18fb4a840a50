package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-reconnect/internal/rabbitmq"
)

// ConnectionChecker reports the state of a ConnectionManager. It also
// listens to the manager so a broker-side block shows up as degraded.
type ConnectionChecker struct {
	rabbitmq.ListenerFuncs

	manager *rabbitmq.ConnectionManager
	logger  *zap.Logger

	mu            sync.Mutex
	blocked       bool
	blockedReason string
}

// NewConnectionChecker creates a checker for manager and subscribes it to the
// manager's events.
func NewConnectionChecker(manager *rabbitmq.ConnectionManager, logger *zap.Logger) *ConnectionChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ConnectionChecker{
		manager: manager,
		logger:  logger,
	}
	c.ListenerFuncs = rabbitmq.ListenerFuncs{
		Blocked:    c.setBlocked,
		Unblocked:  func() { c.setBlocked("") },
		Disconnect: func(error) { c.setBlocked("") },
	}
	manager.AddListener(c)
	return c
}

func (c *ConnectionChecker) setBlocked(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = reason != ""
	c.blockedReason = reason
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.manager.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":               state.String(),
			"reconnect_attempt":   c.manager.ReconnectionAttempt(),
			"registered_channels": len(c.manager.Channels()),
		},
	}

	c.mu.Lock()
	blocked, reason := c.blocked, c.blockedReason
	c.mu.Unlock()

	switch {
	case state == rabbitmq.StateConnected && blocked:
		result.Status = StatusDegraded
		result.Message = "Connection is blocked by the broker"
		result.Details["blocked_reason"] = reason
	case state == rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case state == rabbitmq.StateFallbackTerminated:
		result.Status = StatusUnhealthy
		result.Message = "Reconnection attempts exhausted"
		result.Error = rabbitmq.ErrMaxRetriesExceeded.Error()
	case state == rabbitmq.StateClosed:
		result.Status = StatusUnhealthy
		result.Message = "Connection manager is closed"
		result.Error = rabbitmq.ErrManagerClosed.Error()
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	if result.Status != StatusHealthy {
		c.logger.Debug("connection check failed",
			zap.String("status", string(result.Status)),
			zap.String("state", state.String()))
	}

	result.Duration = time.Since(start)
	return result
}

// ChannelChecker reports whether a ChannelWrapper has a usable channel.
type ChannelChecker struct {
	wrapper *rabbitmq.ChannelWrapper
	logger  *zap.Logger
}

// NewChannelChecker creates a checker for wrapper.
func NewChannelChecker(wrapper *rabbitmq.ChannelWrapper, logger *zap.Logger) *ChannelChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelChecker{
		wrapper: wrapper,
		logger:  logger,
	}
}

func (c *ChannelChecker) Name() string {
	if name := c.wrapper.Name(); name != "" {
		return fmt.Sprintf("channel_%s", name)
	}
	return fmt.Sprintf("channel_%s", c.wrapper.ID())
}

func (c *ChannelChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.wrapper.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"channel_id": c.wrapper.ID(),
			"state":      state.String(),
		},
	}

	switch state {
	case rabbitmq.ChannelStateReady:
		result.Status = StatusHealthy
		result.Message = "Channel is ready"
	case rabbitmq.ChannelStateCreating:
		// Setup is still running on a live connection.
		result.Status = StatusDegraded
		result.Message = "Channel is being set up"
	case rabbitmq.ChannelStateClosed:
		result.Status = StatusUnhealthy
		result.Message = "Channel wrapper is closed"
		result.Error = rabbitmq.ErrChannelWrapperClosed.Error()
	default:
		result.Status = StatusUnhealthy
		result.Message = "No channel available"
		result.Error = rabbitmq.ErrNoChannel.Error()
	}

	if result.Status != StatusHealthy {
		c.logger.Debug("channel check failed",
			zap.String("channel_id", c.wrapper.ID()),
			zap.String("state", state.String()))
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker flags runaway goroutine counts, which usually mean leaked
// consumers or publishers stuck waiting for confirms.
type MemoryChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
