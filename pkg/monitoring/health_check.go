package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/registry"
)

// QuitReason tells the restart loop why monitoring ended.
type QuitReason string

const (
	// QuitClosed: the service died, failed a probe, or its handle vanished
	// while it was still configured.
	QuitClosed QuitReason = "closed"
	// QuitStopped: the service was stopped on purpose.
	QuitStopped QuitReason = "stopped"
	// QuitCancelled: the host is shutting down.
	QuitCancelled QuitReason = "cancelled"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
	cancelTimeout   = 5 * time.Second
)

type ProbeConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveSuccesses int
}

// ProbeFailureCallback is told about every failed probe.
type ProbeFailureCallback func(name string, err error)

// Monitor probes live sessions with tools/list.
type Monitor struct {
	registry *registry.Registry
	config   ProbeConfig
	logger   logging.Logger

	onFailure ProbeFailureCallback

	mutex  sync.Mutex
	states map[string]*HealthCheckState
}

func NewMonitor(reg *registry.Registry, config ProbeConfig, logger logging.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Monitor{
		registry: reg,
		config:   config,
		logger:   logger,
		states:   make(map[string]*HealthCheckState),
	}
}

func (m *Monitor) SetFailureCallback(callback ProbeFailureCallback) {
	m.onFailure = callback
}

// State returns a copy of the last probe result for name.
func (m *Monitor) State(name string) HealthCheckState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if state, ok := m.states[name]; ok {
		return *state
	}
	return HealthCheckState{Status: HealthCheckStatusUnknown}
}

// Run probes name until something ends it and reports why.
func (m *Monitor) Run(ctx context.Context, name string) QuitReason {
	m.logger.Infof("Monitoring health, id: %s, interval: %v", name, m.config.Interval)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debugf("Health monitor loop stopping, id: %s", name)
			return QuitCancelled
		case <-ticker.C:
			if reason, done := m.performCheck(ctx, name); done {
				return reason
			}
		}
	}
}

func (m *Monitor) performCheck(ctx context.Context, name string) (QuitReason, bool) {
	m.logger.Debugf("Performing health check, id: %s", name)

	session, ok := m.registry.Handle(name)
	if !ok {
		m.updateState(name, false, "no longer running")
		if _, configured := m.registry.Config(name); configured {
			m.logger.Warnf("Service no longer running, id: %s", name)
			return QuitClosed, true
		}
		m.logger.Infof("Service was stopped, id: %s", name)
		return QuitStopped, true
	}

	pctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	_, err := session.ListAllTools(pctx)
	cancel()

	if err == nil {
		m.updateState(name, true, "")
		return "", false
	}
	if ctx.Err() != nil {
		return QuitCancelled, true
	}

	if pctx.Err() == context.DeadlineExceeded && !errors.IsTimeoutError(err) {
		err = errors.NewTimeoutError("health check timed out", err)
	}
	err = errors.NewHealthCheckError("health check failed", err).WithContext("id", name)
	m.logger.Warnf("Health check failed, id: %s, error: %v", name, err)
	m.updateState(name, false, err.Error())
	if m.onFailure != nil {
		m.onFailure(name, err)
	}

	m.registry.RemoveHandleIf(name, session)

	cctx, ccancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer ccancel()
	if cerr := session.Cancel(cctx); cerr != nil {
		m.logger.Warnf("Failed to cancel unhealthy service, id: %s, error: %v", name, cerr)
	}
	return QuitClosed, true
}

func (m *Monitor) updateState(name string, healthy bool, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	state, ok := m.states[name]
	if !ok {
		state = &HealthCheckState{}
		m.states[name] = state
	}
	state.LastCheck = time.Now()
	state.Message = message
	if healthy {
		state.ConsecutiveSuccesses++
		state.Status = HealthCheckStatusHealthy
	} else {
		state.ConsecutiveSuccesses = 0
		state.Status = HealthCheckStatusUnhealthy
	}
}
