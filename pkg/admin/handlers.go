package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/sessions"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

type statusResponse struct {
	Services []supervisor.ServiceStatus `json:"services"`
	Sessions []sessions.ModelSession    `json:"sessions"`
}

type restartResponse struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

type sessionRequest struct {
	ModelID string `json:"model_id"`
	Port    int    `json:"port"`
	APIKey  string `json:"api_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsValidationError(err):
		code = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		code = http.StatusNotFound
	case errors.IsConflictError(err):
		code = http.StatusConflict
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Services: s.services.Status(),
		Sessions: s.sessions.List(),
	}
	if resp.Services == nil {
		resp.Services = []supervisor.ServiceStatus{}
	}
	if resp.Sessions == nil {
		resp.Sessions = []sessions.ModelSession{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestartActive(w http.ResponseWriter, r *http.Request) {
	s.logger.Infof("Restart of active servers requested")
	result := s.services.RestartActive()

	resp := restartResponse{
		Succeeded: result.Succeeded,
		Failed:    make(map[string]string, len(result.Failed)),
	}
	if resp.Succeeded == nil {
		resp.Succeeded = []string{}
	}
	for name, err := range result.Failed {
		resp.Failed[name] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.services.Stop(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	if list == nil {
		list = []sessions.ModelSession{}
	}
	writeJSON(w, http.StatusOK, list)
}

func sessionID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError("session id must be an integer", err).WithContext("id", raw)
	}
	return id, nil
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewValidationError("invalid session body", err))
		return
	}

	session := sessions.ModelSession{ID: id, ModelID: req.ModelID, Port: req.Port, APIKey: req.APIKey}
	if err := s.sessions.Register(session); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Infof("Session registered, id: %d, model: %s, port: %d", id, req.ModelID, req.Port)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.sessions.Unregister(id) {
		writeError(w, errors.NewNotFoundError("session not found", nil).WithContext("id", id))
		return
	}
	s.logger.Infof("Session unregistered, id: %d", id)
	w.WriteHeader(http.StatusNoContent)
}
