package supervisor

import (
	"sort"
	"time"

	"github.com/core-tools/hsu-host/pkg/mcp"
	"github.com/core-tools/hsu-host/pkg/monitoring"
)

type State string

const (
	StateStarting         State = "starting"
	StateVerifying        State = "verifying"
	StateRunning          State = "running"
	StateCheckFailed      State = "check_failed"
	StateRestartScheduled State = "restart_scheduled"
	StateStopped          State = "stopped"
	StateFailed           State = "failed"
)

// StateListener is told about every state transition.
type StateListener func(name string, state State)

type serviceState struct {
	state     State
	lastError string
	updatedAt time.Time
}

// ServiceStatus is a point-in-time view of one service.
type ServiceStatus struct {
	Name         string                       `json:"name"`
	State        State                        `json:"state"`
	Active       bool                         `json:"active"`
	Running      bool                         `json:"running"`
	Connected    bool                         `json:"connected_once"`
	RestartCount int                          `json:"restart_count"`
	ServerInfo   *mcp.Implementation          `json:"server_info,omitempty"`
	Health       monitoring.HealthCheckStatus `json:"health"`
	LastError    string                       `json:"last_error,omitempty"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

func (s *Supervisor) setState(name string, state State, err error) {
	s.statesMu.Lock()
	st, ok := s.states[name]
	if !ok {
		st = &serviceState{}
		s.states[name] = st
	}
	st.state = state
	st.updatedAt = time.Now()
	if err != nil {
		st.lastError = err.Error()
	} else if state == StateRunning {
		st.lastError = ""
	}
	running := 0
	for _, other := range s.states {
		if other.state == StateRunning {
			running++
		}
	}
	listeners := append([]StateListener(nil), s.listeners...)
	s.statesMu.Unlock()

	s.metrics.SetRunning(running)
	s.logger.Debugf("State changed, id: %s, state: %s", name, state)
	for _, l := range listeners {
		l(name, state)
	}
}

// State returns the current state of name.
func (s *Supervisor) State(name string) (State, bool) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return "", false
	}
	return st.state, true
}

// Status returns a snapshot of every known service, sorted by name.
func (s *Supervisor) Status() []ServiceStatus {
	configs := s.registry.Configs()

	s.statesMu.Lock()
	names := make(map[string]serviceState, len(s.states))
	for name, st := range s.states {
		names[name] = *st
	}
	s.statesMu.Unlock()
	for name := range configs {
		if _, ok := names[name]; !ok {
			names[name] = serviceState{state: StateStopped}
		}
	}

	out := make([]ServiceStatus, 0, len(names))
	for name, st := range names {
		_, active := configs[name]
		status := ServiceStatus{
			Name:         name,
			State:        st.state,
			Active:       active,
			Connected:    s.registry.IsConnected(name),
			RestartCount: s.registry.RestartCount(name),
			Health:       s.monitor.State(name).Status,
			LastError:    st.lastError,
			UpdatedAt:    st.updatedAt,
		}
		if session, ok := s.registry.Handle(name); ok {
			info := session.ServerInfo()
			status.Running = true
			status.ServerInfo = &info
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
