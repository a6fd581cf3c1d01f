package host

import (
	"context"

	"github.com/thejerf/suture/v4"

	"github.com/core-tools/hsu-host/pkg/configwatch"
	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
)

// listener is a network server the host binds before supervision starts.
type listener interface {
	Start() error
	Addr() string
	Done() <-chan struct{}
}

// listenerService keeps a listener serving under the service tree. A
// listener whose serving loop ends is stopped and bound again on restart.
type listenerService struct {
	name    string
	l       listener
	stop    func()
	onStart func()
	logger  logging.Logger
}

func (s *listenerService) Serve(ctx context.Context) error {
	if s.l.Addr() == "" {
		if err := s.l.Start(); err != nil {
			return err
		}
		s.logger.Infof("Listener bound again, name: %s, address: %s", s.name, s.l.Addr())
		if s.onStart != nil {
			s.onStart()
		}
	}

	select {
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	case <-s.l.Done():
		s.stop()
		return errors.NewNetworkError("listener stopped serving", nil).WithContext("name", s.name)
	}
}

func (s *listenerService) String() string {
	return s.name
}

// watcherService runs the config watcher. A Watcher is single use, so one
// that ends before the tree stops is not restarted.
type watcherService struct {
	watcher *configwatch.Watcher
	reload  func() error
	logger  logging.Logger
}

func (s *watcherService) Serve(ctx context.Context) error {
	err := s.watcher.Watch(ctx, s.reload)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Errorf("Config watcher ended, live reload disabled, error: %v", err)
	return suture.ErrDoNotRestart
}

func (s *watcherService) String() string {
	return "config-watcher"
}

// newServiceTree puts the host's long-lived components under one
// supervisor. Listeners must already be bound.
func (h *Host) newServiceTree() *suture.Supervisor {
	tree := suture.New("hsu-host", suture.Spec{
		EventHook: func(e suture.Event) {
			h.logger.Warnf("Service tree event: %s", e.String())
		},
		Timeout: h.config.Host.ForceShutdownTimeout,
	})

	if h.gateway != nil {
		tree.Add(&listenerService{
			name: RunFileGateway,
			l:    h.gateway,
			stop: func() {
				if err := h.gateway.Stop(); err != nil {
					h.logger.Warnf("Failed to stop gateway: %v", err)
				}
			},
			onStart: h.writePortFiles,
			logger:  h.logger,
		})
	}
	if h.control != nil {
		tree.Add(&listenerService{
			name:    RunFileControl,
			l:       h.control,
			stop:    h.control.Stop,
			onStart: h.writePortFiles,
			logger:  h.logger,
		})
	}
	if h.admin != nil {
		tree.Add(&listenerService{
			name: RunFileAdmin,
			l:    h.admin,
			stop: func() {
				if err := h.admin.Stop(); err != nil {
					h.logger.Warnf("Failed to stop admin server: %v", err)
				}
			},
			onStart: h.writePortFiles,
			logger:  h.logger,
		})
	}
	if h.watcher != nil {
		tree.Add(&watcherService{watcher: h.watcher, reload: h.reload, logger: h.logger})
	}
	return tree
}
