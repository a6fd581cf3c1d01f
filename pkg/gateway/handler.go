// Package gateway is the HTTP ingress that routes OpenAI-style requests to
// local model sessions.
package gateway

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/metrics"
	"github.com/core-tools/hsu-host/pkg/sessions"
)

var modelRoutes = map[string]bool{
	"/chat/completions": true,
	"/completions":      true,
	"/embeddings":       true,
}

type Handler struct {
	config   ProxyConfig
	hosts    *HostMatcher
	sessions *sessions.Registry
	client   *http.Client
	metrics  *metrics.Collector
	logger   logging.Logger
}

func NewHandler(config ProxyConfig, reg *sessions.Registry, m *metrics.Collector, logger logging.Logger) (*Handler, error) {
	hosts, err := NewHostMatcher(config.TrustedHosts)
	if err != nil {
		return nil, err
	}
	return &Handler{
		config:   config,
		hosts:    hosts,
		sessions: reg,
		client:   newUpstreamClient(),
		metrics:  m,
		logger:   logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.handlePreflight(w, r)
		return
	}

	origin := r.Header.Get("Origin")
	path := stripPrefix(r.URL.Path, h.config.Prefix)

	fail := func(code int, msg string) {
		addCORSHeaders(w.Header(), origin)
		writeText(w, code, msg)
	}

	if !publicPaths[path] {
		if r.Host == "" {
			fail(http.StatusBadRequest, "Missing host header")
			return
		}
		if !h.hosts.IsTrusted(r.Host) {
			h.logger.Warnf("Rejected request, untrusted host: %q", r.Host)
			fail(http.StatusForbidden, "Invalid host header")
			return
		}
		if h.config.APIKey != "" {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				fail(http.StatusUnauthorized, "Missing authorization header")
				return
			}
			expected := "Bearer " + h.config.APIKey
			if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
				fail(http.StatusUnauthorized, "Invalid or missing authorization token")
				return
			}
		}
	}

	if strings.Contains(path, "/configs") {
		fail(http.StatusNotFound, "Not Found")
		return
	}

	switch {
	case r.Method == http.MethodPost && modelRoutes[path]:
		h.handleModelRequest(w, r, path, origin)
	case r.Method == http.MethodGet && path == "/models":
		h.handleListModels(w, origin)
	default:
		h.logger.Debugf("Unhandled method/path: %s %s", r.Method, path)
		fail(http.StatusNotFound, "Not Found")
	}
}

func (h *Handler) handleModelRequest(w http.ResponseWriter, r *http.Request, path, origin string) {
	fail := func(code int, msg string) {
		addCORSHeaders(w.Header(), origin)
		writeText(w, code, msg)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Errorf("Failed to read request body: %v", err)
		fail(http.StatusInternalServerError, "Failed to read request body")
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		fail(http.StatusBadRequest, "Invalid JSON body")
		return
	}
	model, ok := payload["model"].(string)
	if !ok {
		fail(http.StatusBadRequest, "Request body must contain a 'model' field")
		return
	}

	if h.sessions.Len() == 0 {
		fail(http.StatusServiceUnavailable, "No models are available")
		return
	}
	session, ok := h.sessions.FindByModel(model)
	if !ok {
		fail(http.StatusNotFound, "No running session found for model '"+model+"'")
		return
	}

	h.forward(w, r, session, path, body, origin)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int    `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, origin string) {
	list := modelList{Object: "list", Data: []modelEntry{}}
	for _, s := range h.sessions.List() {
		list.Data = append(list.Data, modelEntry{ID: s.ModelID, Object: "model", Created: 1, OwnedBy: "user"})
	}

	data, err := json.Marshal(list)
	if err != nil {
		data = []byte("{}")
	}

	w.Header().Set("Content-Type", "application/json")
	addCORSHeaders(w.Header(), origin)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
