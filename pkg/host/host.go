// Package host wires supervision, the gateway and the management APIs into
// one process.
package host

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-host/pkg/admin"
	"github.com/core-tools/hsu-host/pkg/configwatch"
	"github.com/core-tools/hsu-host/pkg/control"
	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/events"
	"github.com/core-tools/hsu-host/pkg/gateway"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/mcp"
	"github.com/core-tools/hsu-host/pkg/metrics"
	"github.com/core-tools/hsu-host/pkg/processfile"
	"github.com/core-tools/hsu-host/pkg/registry"
	"github.com/core-tools/hsu-host/pkg/sessions"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

var clientInfo = mcp.Implementation{Name: "hsu-host", Version: "0.1.0"}

// Run file names under HostOptions.RunDir.
const (
	RunFileHost    = processfile.DefaultAppName
	RunFileGateway = "gateway"
	RunFileControl = "control"
	RunFileAdmin   = "admin"
)

// Host owns every long-lived component.
type Host struct {
	config *Config
	logger logging.Logger

	metrics    *metrics.Collector
	bus        *events.Bus
	sessions   *sessions.Registry
	supervisor *supervisor.Supervisor
	gateway    *gateway.Server
	control    *control.Server
	admin      *admin.Server
	watcher    *configwatch.Watcher
	runFiles   *processfile.Manager
}

// New builds a host from a validated config. Nothing is started yet.
func New(config *Config, logger logging.Logger) (*Host, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	h := &Host{
		config:   config,
		logger:   logger,
		metrics:  metrics.NewCollector(nil),
		sessions: sessions.NewRegistry(),
	}
	h.bus = events.NewBus(events.DefaultBufferSize, logging.WithPrefix(logger, "events, "))

	for _, s := range config.Sessions {
		if err := h.sessions.Register(s); err != nil {
			return nil, err
		}
	}

	launcher := mcp.NewLauncher(mcp.LauncherConfig{
		ClientInfo:       clientInfo,
		Overrides:        config.MCP.Overrides,
		StderrLog:        config.MCP.StderrLog,
		GracePeriod:      config.MCP.GracePeriod,
		HandshakeTimeout: config.MCP.HandshakeTimeout,
	}, logger)

	h.supervisor = supervisor.New(registry.New(), launcher, h.bus, h.metrics, supervisor.Options{
		VerificationWindow: config.MCP.VerificationWindow,
		MaxRestarts:        config.MCP.MaxRestarts,
		StartupMaxRestarts: config.MCP.StartupMaxRestarts,
		Probe:              config.MCP.Probe,
	}, logging.WithPrefix(logger, "supervisor, "))

	if config.Gateway.Enabled == nil || *config.Gateway.Enabled {
		gw, err := gateway.NewServer(config.Gateway.ProxyConfig, h.sessions, h.metrics, logging.WithPrefix(logger, "gateway, "))
		if err != nil {
			return nil, err
		}
		h.gateway = gw
	}

	if config.Control.GRPCPort != 0 {
		h.control = control.NewServer(config.Control.GRPCPort, logging.WithPrefix(logger, "control, "))
		h.supervisor.AddStateListener(h.control.OnStateChange)
	}

	if config.Control.AdminAddress != "" {
		h.admin = admin.NewServer(config.Control.AdminAddress, h.supervisor, h.sessions, h.bus, h.metrics, logging.WithPrefix(logger, "admin, "))
	}

	if config.Host.RunDir != "" {
		h.runFiles = processfile.NewManager(config.Host.RunDir, logger)
	}

	if config.MCP.ConfigFile != "" && config.MCP.Watch != nil && *config.MCP.Watch {
		w, err := configwatch.New(config.MCP.ConfigFile, config.MCP.WatchDebounce, logger)
		if err != nil {
			return nil, err
		}
		h.watcher = w
	}

	return h, nil
}

func (h *Host) Supervisor() *supervisor.Supervisor { return h.supervisor }
func (h *Host) Sessions() *sessions.Registry       { return h.sessions }
func (h *Host) Events() *events.Bus                { return h.bus }

// GatewayAddr returns the bound gateway address, or "" when not serving.
func (h *Host) GatewayAddr() string {
	if h.gateway == nil {
		return ""
	}
	return h.gateway.Addr()
}

// AdminAddr returns the bound admin address, or "" when not serving.
func (h *Host) AdminAddr() string {
	if h.admin == nil {
		return ""
	}
	return h.admin.Addr()
}

// ControlAddr returns the bound control address, or "" when not serving.
func (h *Host) ControlAddr() string {
	if h.control == nil {
		return ""
	}
	return h.control.Addr()
}

// Run starts every component, brings up the configured tool servers and
// blocks until ctx is done, then shuts down within the force shutdown
// timeout.
func (h *Host) Run(ctx context.Context) error {
	if h.runFiles != nil {
		if err := h.runFiles.Acquire(RunFileHost); err != nil {
			return err
		}
		defer h.runFiles.Remove(RunFileHost, RunFileGateway, RunFileControl, RunFileAdmin)
	}

	if err := h.startServers(); err != nil {
		h.stopServers()
		return err
	}
	h.writePortFiles()

	tree := h.newServiceTree()
	treeDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(treeDone)
		if err := tree.Serve(gctx); err != nil && gctx.Err() == nil {
			return errors.NewInternalError("service tree terminated", err)
		}
		return nil
	})

	g.Go(func() error {
		h.bringUp()
		return nil
	})

	h.logger.Infof("Host is ready")
	<-gctx.Done()
	h.logger.Infof("Host shutting down...")

	// Listeners and the watcher stop with the tree
	<-treeDone
	if unstopped, err := tree.UnstoppedServiceReport(); err == nil {
		for _, svc := range unstopped {
			h.logger.Warnf("Service failed to stop in time, name: %s", svc.Name)
		}
	}

	shutdownErr := h.shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func (h *Host) startServers() error {
	if h.gateway != nil {
		if err := h.gateway.Start(); err != nil {
			return err
		}
	}
	if h.control != nil {
		if err := h.control.Start(); err != nil {
			return err
		}
	}
	if h.admin != nil {
		if err := h.admin.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) writePortFiles() {
	if h.runFiles == nil {
		return
	}
	for name, addr := range map[string]string{
		RunFileGateway: h.GatewayAddr(),
		RunFileControl: h.ControlAddr(),
		RunFileAdmin:   h.AdminAddr(),
	} {
		if addr == "" {
			continue
		}
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		if err := h.runFiles.WritePort(name, port); err != nil {
			h.logger.Warnf("Failed to write port file, name: %s, error: %v", name, err)
		}
	}
}

func (h *Host) stopServers() {
	if h.gateway != nil {
		if err := h.gateway.Stop(); err != nil {
			h.logger.Warnf("Failed to stop gateway: %v", err)
		}
	}
	if h.admin != nil {
		if err := h.admin.Stop(); err != nil {
			h.logger.Warnf("Failed to stop admin server: %v", err)
		}
	}
	if h.control != nil {
		h.control.Stop()
	}
}

func (h *Host) bringUp() {
	if h.config.MCP.ConfigFile == "" {
		h.logger.Infof("No MCP config file, skipping bring-up")
		return
	}
	servers, err := mcp.LoadServersConfig(h.config.MCP.ConfigFile)
	if err != nil {
		h.logger.Errorf("Failed to load MCP config: %v", err)
		return
	}
	result := h.supervisor.BringUp(servers)
	for name, err := range result.Failed {
		h.logger.Warnf("Server failed to start, id: %s, error: %v", name, err)
	}
}

func (h *Host) reload() error {
	servers, err := mcp.LoadServersConfig(h.config.MCP.ConfigFile)
	if err != nil {
		return err
	}
	result := h.supervisor.ApplyConfig(servers)
	h.logger.Infof("MCP config applied, started: %d, failed: %d", len(result.Succeeded), len(result.Failed))
	return nil
}

func (h *Host) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Host.ForceShutdownTimeout)
	defer cancel()

	collection := errors.NewErrorCollection()

	if h.watcher != nil {
		if err := h.watcher.Stop(); err != nil {
			collection.Add(err)
		}
	}

	// Normally a no-op: the tree has stopped the listeners already
	h.stopServers()

	if err := h.supervisor.Shutdown(ctx); err != nil {
		collection.Add(err)
	}
	h.bus.Close()

	h.logger.Infof("Host stopped")
	return collection.ToError()
}

// Run runs a host for config until SIGINT/SIGTERM or, when
// runDuration is positive, until it elapses.
func Run(runDuration time.Duration, config *Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", runDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	h, err := New(config, logger)
	if err != nil {
		return err
	}
	return h.Run(ctx)
}
