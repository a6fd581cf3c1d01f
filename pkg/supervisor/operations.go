package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/mcp"
)

// Result summarizes a batch of start attempts.
type Result struct {
	Succeeded []string
	Failed    map[string]error
}

func (r Result) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// BringUp starts every active server in config concurrently and waits for
// all first attempts. Partial failure is reported, not returned.
func (s *Supervisor) BringUp(config *mcp.ServersConfig) Result {
	batch := make(map[string]mcp.ServerConfig)
	for _, name := range config.Names() {
		server := config.MCPServers[name]
		if !server.IsActive() {
			s.logger.Debugf("Server is not active, skipping, id: %s", name)
			continue
		}
		batch[name] = server
	}

	result := s.startBatch(batch, s.options.StartupMaxRestarts)
	s.logger.Infof("Bring-up completed, succeeded: %d, failed: %d, total: %d",
		len(result.Succeeded), len(result.Failed), result.Total())
	return result
}

func (s *Supervisor) startBatch(batch map[string]mcp.ServerConfig, maxRestarts int) Result {
	result := Result{Failed: make(map[string]error)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, config := range batch {
		wg.Add(1)
		go func(name string, config mcp.ServerConfig) {
			defer wg.Done()
			err := s.StartWithRestart(name, config, maxRestarts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[name] = err
			} else {
				result.Succeeded = append(result.Succeeded, name)
			}
		}(name, config)
	}
	wg.Wait()

	sort.Strings(result.Succeeded)
	return result
}

// Stop deactivates name: its config is forgotten and its session cancelled.
func (s *Supervisor) Stop(name string) error {
	_, configured := s.registry.Config(name)
	s.cancelServiceContext(name)
	s.registry.ClearConfig(name)
	session, running := s.registry.RemoveHandle(name)

	if !configured && !running {
		return errors.NewNotFoundError("server not found", nil).WithContext("id", name)
	}

	s.logger.Infof("Stopping service, id: %s", name)
	if running {
		s.cancelSession(name, session)
	}
	s.setState(name, StateStopped, nil)
	return nil
}

// StopAll cancels every live session. Stored configs are kept so the
// services can be brought back with RestartActive.
func (s *Supervisor) StopAll() error {
	s.cancelAllServiceContexts()
	sessions := s.registry.DrainHandles()

	names := make([]string, 0, len(sessions))
	for name := range sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	s.logger.Infof("Stopping all services: %v", names)

	var wg sync.WaitGroup
	var mu sync.Mutex
	collection := errors.NewErrorCollection()
	for name, session := range sessions {
		wg.Add(1)
		go func(name string, session mcp.Session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.options.StopTimeout)
			defer cancel()
			if err := session.Cancel(ctx); err != nil {
				mu.Lock()
				collection.Add(err)
				mu.Unlock()
			}
		}(name, session)
	}
	wg.Wait()

	s.statesMu.Lock()
	known := make([]string, 0, len(s.states))
	for name := range s.states {
		known = append(known, name)
	}
	s.statesMu.Unlock()
	for _, name := range known {
		s.setState(name, StateStopped, nil)
	}

	return collection.ToError()
}

// CleanUp stops everything and forgets all configs and restart counts.
func (s *Supervisor) CleanUp() error {
	s.logger.Infof("Cleaning up services")
	err := s.StopAll()
	s.registry.ClearConfigs()
	s.registry.ClearRestartCounts()
	return err
}

// RestartActive stops every service and starts again each one that has a
// stored config, with the bring-up restart budget.
func (s *Supervisor) RestartActive() Result {
	configs := s.registry.Configs()
	if err := s.StopAll(); err != nil {
		s.logger.Warnf("Errors while stopping services for restart: %v", err)
	}

	s.logger.Infof("Restarting %d active services", len(configs))
	return s.startBatch(configs, s.options.StartupMaxRestarts)
}

// ApplyConfig reconciles running services with a freshly loaded config.
// Removed, deactivated and changed services are stopped; new and changed
// active services are started.
func (s *Supervisor) ApplyConfig(config *mcp.ServersConfig) Result {
	current := s.registry.Configs()
	toStart := make(map[string]mcp.ServerConfig)

	for name, old := range current {
		next, ok := config.MCPServers[name]
		if ok && next.IsActive() && next.Equal(old) {
			continue
		}
		if err := s.Stop(name); err != nil && !errors.IsNotFoundError(err) {
			s.logger.Warnf("Failed to stop service during reconfiguration, id: %s, error: %v", name, err)
		}
	}

	for _, name := range config.Names() {
		next := config.MCPServers[name]
		if !next.IsActive() {
			continue
		}
		if old, ok := current[name]; ok && next.Equal(old) {
			continue
		}
		toStart[name] = next
	}

	result := s.startBatch(toStart, s.options.MaxRestarts)
	s.logger.Infof("Configuration applied, started: %d, failed: %d", len(result.Succeeded), len(result.Failed))
	return result
}

// Shutdown cancels every background task, stops all sessions and waits for
// the task set to drain or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Infof("Supervisor shutting down...")
	s.cancel()
	s.tasksMu.Lock()
	s.closed = true
	s.tasksMu.Unlock()
	stopErr := s.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infof("Supervisor stopped")
		return stopErr
	case <-ctx.Done():
		return errors.NewTimeoutError("supervisor shutdown timed out", ctx.Err())
	}
}
