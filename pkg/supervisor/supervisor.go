// Package supervisor starts, verifies, health-checks and restarts tool
// servers.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-host/pkg/backoff"
	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/mcp"
	"github.com/core-tools/hsu-host/pkg/metrics"
	"github.com/core-tools/hsu-host/pkg/monitoring"
	"github.com/core-tools/hsu-host/pkg/registry"
)

// Launcher spawns a tool server and completes its handshake.
type Launcher interface {
	Launch(ctx context.Context, name string, config mcp.ServerConfig) (mcp.Session, error)
}

type Options struct {
	// VerificationWindow is how long a fresh session must survive before it
	// counts as connected.
	VerificationWindow time.Duration
	// MaxRestarts bounds restarts of services started individually.
	MaxRestarts int
	// StartupMaxRestarts bounds restarts of services from bring-up.
	StartupMaxRestarts int
	Probe              monitoring.ProbeConfig
	// StopTimeout bounds the wait for a cancelled session to exit.
	StopTimeout time.Duration
	// Backoff maps a restart attempt to its delay.
	Backoff func(attempt int) time.Duration
}

func DefaultOptions() Options {
	return Options{
		VerificationWindow: 500 * time.Millisecond,
		MaxRestarts:        5,
		StartupMaxRestarts: 3,
		Probe: monitoring.ProbeConfig{
			Interval: monitoring.DefaultInterval,
			Timeout:  monitoring.DefaultTimeout,
		},
		StopTimeout: 10 * time.Second,
		Backoff:     backoff.Delay,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.VerificationWindow <= 0 {
		o.VerificationWindow = d.VerificationWindow
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = d.MaxRestarts
	}
	if o.StartupMaxRestarts <= 0 {
		o.StartupMaxRestarts = d.StartupMaxRestarts
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.Backoff == nil {
		o.Backoff = d.Backoff
	}
}

type Supervisor struct {
	registry *registry.Registry
	launcher Launcher
	monitor  *monitoring.Monitor
	notifier Notifier
	metrics  *metrics.Collector
	options  Options
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// tasksMu orders wg.Add against Shutdown's wg.Wait
	tasksMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup

	// per-service contexts; cancelling one ends that service's goroutines
	serviceMu   sync.Mutex
	serviceCtxs map[string]context.CancelFunc

	statesMu  sync.Mutex
	states    map[string]*serviceState
	listeners []StateListener
}

func New(reg *registry.Registry, launcher Launcher, notifier Notifier, m *metrics.Collector, options Options, logger logging.Logger) *Supervisor {
	options.setDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		registry:    reg,
		launcher:    launcher,
		notifier:    notifier,
		metrics:     m,
		options:     options,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		serviceCtxs: make(map[string]context.CancelFunc),
		states:      make(map[string]*serviceState),
	}
	s.monitor = monitoring.NewMonitor(reg, options.Probe, logger)
	s.monitor.SetFailureCallback(func(name string, err error) {
		s.metrics.HealthCheckFailed(name)
		s.setState(name, StateCheckFailed, err)
	})
	return s
}

// AddStateListener registers l for every subsequent state change.
func (s *Supervisor) AddStateListener(l StateListener) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start starts name with the ongoing-monitoring restart budget.
func (s *Supervisor) Start(name string, config mcp.ServerConfig) error {
	return s.StartWithRestart(name, config, s.options.MaxRestarts)
}

// StartWithRestart stores config, makes one start attempt and, once the
// service is verified, monitors and restarts it within maxRestarts.
func (s *Supervisor) StartWithRestart(name string, config mcp.ServerConfig, maxRestarts int) error {
	if s.ctx.Err() != nil {
		return errors.NewCancelledError("supervisor is shut down", nil).WithContext("id", name)
	}

	ctx := s.newServiceContext(name)
	s.registry.StoreConfig(name, config)

	s.logger.Infof("Starting service, id: %s, initial attempt", name)
	err := s.startOnce(ctx, name, config)
	if err == nil {
		s.logger.Infof("Service started on first attempt, id: %s", name)
		s.registry.Reset(name)
		s.spawn(func() { s.monitorAndRestart(ctx, name, maxRestarts) })
		return nil
	}

	if errors.IsVerificationError(err) {
		s.logger.Errorf("Service failed verification after startup, id: %s, error: %v", name, err)
		s.setState(name, StateFailed, err)
		return err
	}

	s.logger.Errorf("Failed to start service on first attempt, id: %s, error: %v", name, err)
	if s.registry.IsConnected(name) {
		s.spawn(func() { s.restartLoop(ctx, name, maxRestarts) })
	} else {
		s.setState(name, StateFailed, err)
	}
	return err
}

// startOnce launches name, registers its handle and verifies it stays up.
func (s *Supervisor) startOnce(ctx context.Context, name string, config mcp.ServerConfig) error {
	s.setState(name, StateStarting, nil)

	session, err := s.launcher.Launch(ctx, name, config)
	if err != nil {
		s.metrics.StartAttempt(name, metrics.StartResultFailed)
		s.setState(name, StateStarting, err)
		return err
	}

	if prev := s.registry.InsertHandle(name, session); prev != nil && prev != session {
		s.logger.Warnf("Replacing live handle, id: %s", name)
		s.cancelSession(name, prev)
	}
	watched := s.spawn(func() {
		<-session.Done()
		if s.registry.RemoveHandleIf(name, session) {
			s.logger.Infof("Service exited, id: %s", name)
		}
	})
	if !watched {
		s.registry.RemoveHandleIf(name, session)
		s.cancelSession(name, session)
		return errors.NewCancelledError("supervisor is shut down", nil).WithContext("id", name)
	}

	s.setState(name, StateVerifying, nil)
	if !sleepContext(ctx, s.options.VerificationWindow) {
		s.registry.RemoveHandleIf(name, session)
		s.cancelSession(name, session)
		return errors.NewCancelledError("start cancelled", ctx.Err()).WithContext("id", name)
	}

	if current, ok := s.registry.Handle(name); !ok || current != session {
		s.metrics.StartAttempt(name, metrics.StartResultVerificationFailed)
		return errors.NewVerificationError("quit immediately after starting", nil).WithContext("id", name)
	}

	s.registry.MarkConnected(name)
	s.metrics.StartAttempt(name, metrics.StartResultSucceeded)

	info := session.ServerInfo()
	s.logger.Infof("Service connected, id: %s, server: %s, version: %s", name, info.Name, info.Version)
	s.notifier.Notify(EventConnected, ConnectedPayload{Name: info.Name, Version: info.Version})
	s.setState(name, StateRunning, nil)
	return nil
}

func (s *Supervisor) monitorAndRestart(ctx context.Context, name string, maxRestarts int) {
	reason := s.monitor.Run(ctx, name)
	s.logger.Infof("Service quit, id: %s, reason: %s", name, reason)
	if reason != monitoring.QuitClosed {
		return
	}
	s.restartLoop(ctx, name, maxRestarts)
}

// restartLoop keeps restarting name until it is stopped, fails verification
// or exhausts maxRestarts.
func (s *Supervisor) restartLoop(ctx context.Context, name string, maxRestarts int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.registry.IsConnected(name) {
			s.logger.Errorf("Service never connected, not restarting, id: %s", name)
			s.setState(name, StateFailed, nil)
			return
		}

		count := s.registry.Increment(name)
		if count > maxRestarts {
			err := errors.NewExhaustedError("maximum restart attempts reached", nil).
				WithContext("id", name).WithContext("max_restarts", maxRestarts)
			s.logger.Errorf("Service reached maximum restart attempts (%d), giving up, id: %s", maxRestarts, name)
			s.setState(name, StateFailed, err)
			s.notifier.Notify(EventMaxRestartsReached, MaxRestartsPayload{Server: name, MaxRestarts: maxRestarts})
			return
		}

		delay := s.options.Backoff(count)
		s.logger.Infof("Restarting service, id: %s, attempt: %d/%d, delay: %v", name, count, maxRestarts, delay)
		s.setState(name, StateRestartScheduled, nil)
		s.metrics.Restart(name)
		if !sleepContext(ctx, delay) {
			return
		}

		config, ok := s.registry.Config(name)
		if !ok {
			s.logger.Infof("Service was deactivated while waiting to restart, id: %s", name)
			s.setState(name, StateStopped, nil)
			return
		}

		err := s.startOnce(ctx, name, config)
		if err != nil {
			if errors.IsVerificationError(err) {
				s.logger.Errorf("Service failed verification after restart, stopping permanently, id: %s", name)
				s.setState(name, StateFailed, err)
				return
			}
			if errors.IsCancelledError(err) {
				return
			}
			s.logger.Errorf("Failed to restart service, id: %s, error: %v", name, err)
			continue
		}

		s.logger.Infof("Service restarted, resetting restart count from %d to 0, id: %s", count, name)
		s.registry.Reset(name)

		reason := s.monitor.Run(ctx, name)
		s.logger.Infof("Service quit, id: %s, reason: %s", name, reason)
		if reason != monitoring.QuitClosed {
			return
		}
	}
}

func (s *Supervisor) newServiceContext(name string) context.Context {
	ctx, cancel := context.WithCancel(s.ctx)
	s.serviceMu.Lock()
	prev := s.serviceCtxs[name]
	s.serviceCtxs[name] = cancel
	s.serviceMu.Unlock()
	if prev != nil {
		prev()
	}
	return ctx
}

func (s *Supervisor) cancelServiceContext(name string) {
	s.serviceMu.Lock()
	cancel := s.serviceCtxs[name]
	delete(s.serviceCtxs, name)
	s.serviceMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) cancelAllServiceContexts() {
	s.serviceMu.Lock()
	cancels := s.serviceCtxs
	s.serviceCtxs = make(map[string]context.CancelFunc)
	s.serviceMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Supervisor) cancelSession(name string, session mcp.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.StopTimeout)
	defer cancel()
	if err := session.Cancel(ctx); err != nil {
		s.logger.Warnf("Failed to cancel service, id: %s, error: %v", name, err)
	}
}

// spawn runs f as a tracked task. It returns false once Shutdown has begun.
func (s *Supervisor) spawn(f func()) bool {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
