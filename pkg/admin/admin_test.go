package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/events"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/metrics"
	"github.com/core-tools/hsu-host/pkg/sessions"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

type mockServices struct {
	mock.Mock
}

func (m *mockServices) Status() []supervisor.ServiceStatus {
	args := m.Called()
	return args.Get(0).([]supervisor.ServiceStatus)
}

func (m *mockServices) RestartActive() supervisor.Result {
	args := m.Called()
	return args.Get(0).(supervisor.Result)
}

func (m *mockServices) Stop(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

type fixture struct {
	services *mockServices
	sessions *sessions.Registry
	bus      *events.Bus
	server   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		services: &mockServices{},
		sessions: sessions.NewRegistry(),
		bus:      events.NewBus(8, logging.NewNopLogger()),
	}
	f.server = NewServer("127.0.0.1:0", f.services, f.sessions, f.bus, metrics.NewCollector(nil), logging.NewNopLogger())
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.services.On("Status").Return([]supervisor.ServiceStatus{
		{Name: "fs", State: supervisor.StateRunning, Active: true, Running: true},
	})
	require.NoError(t, f.sessions.Register(sessions.ModelSession{ID: 1, ModelID: "llama", Port: 3000, APIKey: "hidden"}))

	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Services, 1)
	assert.Equal(t, "fs", resp.Services[0].Name)
	assert.Equal(t, supervisor.StateRunning, resp.Services[0].State)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "llama", resp.Sessions[0].ModelID)
	assert.NotContains(t, rec.Body.String(), "hidden")
}

func TestStatus_Empty(t *testing.T) {
	f := newFixture(t)
	f.services.On("Status").Return([]supervisor.ServiceStatus(nil))

	rec := f.do(http.MethodGet, "/status", "")
	assert.JSONEq(t, `{"services":[],"sessions":[]}`, rec.Body.String())
}

func TestRestartActive(t *testing.T) {
	f := newFixture(t)
	f.services.On("RestartActive").Return(supervisor.Result{
		Succeeded: []string{"fs"},
		Failed:    map[string]error{"git": errors.NewVerificationError("quit immediately", nil)},
	})

	rec := f.do(http.MethodPost, "/servers/restart-active", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp restartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"fs"}, resp.Succeeded)
	assert.Contains(t, resp.Failed["git"], "quit immediately")
	f.services.AssertExpectations(t)
}

func TestStopServer(t *testing.T) {
	f := newFixture(t)
	f.services.On("Stop", "fs").Return(nil)
	f.services.On("Stop", "nope").Return(errors.NewNotFoundError("server not found", nil))

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/servers/fs", "").Code)

	rec := f.do(http.MethodDelete, "/servers/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "server not found")
	f.services.AssertExpectations(t)
}

func TestSessions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/sessions/7", `{"model_id":"qwen","port":3100,"api_key":"k"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, ok := f.sessions.Get(7)
	require.True(t, ok)
	assert.Equal(t, sessions.ModelSession{ID: 7, ModelID: "qwen", Port: 3100, APIKey: "k"}, got)

	rec = f.do(http.MethodGet, "/sessions", "")
	assert.JSONEq(t, `[{"id":7,"model_id":"qwen","port":3100}]`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/sessions/7", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/sessions/7", "").Code)
}

func TestSessions_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"non_numeric_id", "/sessions/abc", `{"model_id":"m","port":1}`},
		{"invalid_json", "/sessions/1", `{"model_id":`},
		{"missing_model", "/sessions/1", `{"port":1}`},
		{"bad_port", "/sessions/1", `{"model_id":"m","port":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, 0, f.sessions.Len())
}

func TestCheckLocalOrigin(t *testing.T) {
	tests := []struct {
		origin   string
		expected bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:8080", true},
		{"https://evil.com", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.expected, checkLocalOrigin(req), tt.origin)
	}
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	f.bus.Notify(supervisor.EventMaxRestartsReached, supervisor.MaxRestartsPayload{Server: "fs", MaxRestarts: 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Type    string                        `json:"type"`
		Payload supervisor.MaxRestartsPayload `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, supervisor.EventMaxRestartsReached, got.Type)
	assert.Equal(t, supervisor.MaxRestartsPayload{Server: "fs", MaxRestarts: 3}, got.Payload)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.bus.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsWebsocket_BusClosed(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	f.bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestServer_Lifecycle(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.server.Start())
	assert.NotEmpty(t, f.server.Addr())

	err := f.server.Start()
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	resp, err := http.Get("http://" + f.server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.server.Stop())
	require.NoError(t, f.server.Stop())
	assert.Empty(t, f.server.Addr())
}
