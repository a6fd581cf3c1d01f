package host

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-host/pkg/gateway"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/mcp"
	"github.com/core-tools/hsu-host/pkg/mcp/mcptest"
	"github.com/core-tools/hsu-host/pkg/monitoring"
	"github.com/core-tools/hsu-host/pkg/processfile"
	"github.com/core-tools/hsu-host/pkg/sessions"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

const helperModeEnv = "HSU_HOST_TEST_MODE"

// TestMain lets the test binary double as a tool server.
func TestMain(m *testing.M) {
	if os.Getenv(helperModeEnv) == "serve" {
		srv := &mcptest.Server{
			Info:  mcp.Implementation{Name: "helper", Version: "0.2.0"},
			Tools: []mcp.Tool{{Name: "echo"}},
		}
		_ = srv.Serve(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func boolPtr(b bool) *bool { return &b }

func writeServers(t *testing.T, path string, servers map[string]mcp.ServerConfig) {
	t.Helper()
	data, err := json.Marshal(mcp.ServersConfig{MCPServers: servers})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func testHostConfig(mcpConfig string) *Config {
	return &Config{
		Host:    HostOptions{ForceShutdownTimeout: 10 * time.Second},
		Logging: logging.DefaultZapConfig(),
		MCP: MCPConfig{
			ConfigFile:         mcpConfig,
			HandshakeTimeout:   10 * time.Second,
			VerificationWindow: 50 * time.Millisecond,
			MaxRestarts:        2,
			StartupMaxRestarts: 2,
			Probe:              monitoring.ProbeConfig{Interval: time.Second, Timeout: 500 * time.Millisecond},
			Watch:              boolPtr(true),
			WatchDebounce:      50 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			Enabled: boolPtr(true),
			ProxyConfig: gateway.ProxyConfig{
				Host:         "127.0.0.1",
				Port:         0,
				Prefix:       "/v1",
				TrustedHosts: []string{"127.0.0.1"},
			},
		},
		Control: ControlConfig{AdminAddress: "127.0.0.1:0"},
		Sessions: []sessions.ModelSession{
			{ID: 1, ModelID: "llama", Port: 3001},
		},
	}
}

func getBody(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestHost_Run(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	mcpConfig := filepath.Join(t.TempDir(), "mcp_config.json")
	echo := mcp.ServerConfig{Command: exe, Env: map[string]string{helperModeEnv: "serve"}}
	writeServers(t, mcpConfig, map[string]mcp.ServerConfig{
		"echo":   echo,
		"broken": {Command: filepath.Join(t.TempDir(), "missing-binary")},
		"off":    {Command: exe, Active: boolPtr(false)},
	})

	h, err := New(testHostConfig(mcpConfig), logging.NewNopLogger())
	require.NoError(t, err)

	sub := h.Events().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	sup := h.Supervisor()
	require.Eventually(t, func() bool {
		st, ok := sup.State("echo")
		return ok && st == supervisor.StateRunning
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		st, ok := sup.State("broken")
		return ok && st == supervisor.StateFailed
	}, 10*time.Second, 20*time.Millisecond)
	_, known := sup.State("off")
	assert.False(t, known)

	select {
	case ev := <-sub:
		assert.Equal(t, supervisor.EventConnected, ev.Type)
		assert.Equal(t, supervisor.ConnectedPayload{Name: "helper", Version: "0.2.0"}, ev.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no connected event")
	}

	require.NotEmpty(t, h.GatewayAddr())
	models := getBody(t, "http://"+h.GatewayAddr()+"/v1/models")
	assert.Contains(t, models, `"llama"`)

	require.NotEmpty(t, h.AdminAddr())
	status := getBody(t, "http://"+h.AdminAddr()+"/status")
	assert.Contains(t, status, `"echo"`)
	assert.Empty(t, h.ControlAddr())

	// Deactivating the server in the watched file stops it
	echo.Active = boolPtr(false)
	writeServers(t, mcpConfig, map[string]mcp.ServerConfig{"echo": echo})
	require.Eventually(t, func() bool {
		st, _ := sup.State("echo")
		return st == supervisor.StateStopped
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("host did not stop")
	}

	assert.Empty(t, h.GatewayAddr())
	assert.Empty(t, h.AdminAddr())
	_, ok := <-sub
	assert.False(t, ok, "event bus closed on shutdown")
}

func TestHost_RunWithoutMCPConfig(t *testing.T) {
	config := testHostConfig("")
	config.MCP.Watch = boolPtr(false)
	config.Gateway.Enabled = boolPtr(false)
	config.Control = ControlConfig{}

	h, err := New(config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, h.Sessions().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, h.Run(ctx))
	assert.Empty(t, h.GatewayAddr())
	assert.Empty(t, h.AdminAddr())
}

func TestHost_StartFailureStopsServers(t *testing.T) {
	config := testHostConfig("")
	config.MCP.Watch = boolPtr(false)

	// Occupy an admin address so startup fails after the gateway is up
	first, err := New(config, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, first.admin.Start())
	defer first.admin.Stop()

	config = testHostConfig("")
	config.MCP.Watch = boolPtr(false)
	config.Control.AdminAddress = first.AdminAddr()
	h, err := New(config, logging.NewNopLogger())
	require.NoError(t, err)

	err = h.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.GatewayAddr())
}

func TestNew_InvalidConfig(t *testing.T) {
	config := testHostConfig("")
	config.Sessions = []sessions.ModelSession{{ID: 1, ModelID: "", Port: 1}}
	_, err := New(config, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestHost_RunFiles(t *testing.T) {
	runDir := t.TempDir()
	config := testHostConfig("")
	config.MCP.Watch = boolPtr(false)
	config.Host.RunDir = runDir

	h, err := New(config, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	files := processfile.NewManager(runDir, logging.NewNopLogger())
	require.Eventually(t, func() bool {
		for _, name := range []string{RunFileGateway, RunFileAdmin} {
			if _, err := files.ReadPort(name); err != nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	port, err := files.ReadPort(RunFileGateway)
	require.NoError(t, err)
	assert.Equal(t, h.GatewayAddr(), "127.0.0.1:"+strconv.Itoa(port))
	assert.FileExists(t, files.PIDFilePath(RunFileHost))
	assert.NoFileExists(t, files.PortFilePath(RunFileControl), "gRPC control disabled")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("host did not stop")
	}

	assert.NoFileExists(t, files.PIDFilePath(RunFileHost))
	assert.NoFileExists(t, files.PortFilePath(RunFileGateway))
}

func TestHost_RebindsStoppedGateway(t *testing.T) {
	runDir := t.TempDir()
	config := testHostConfig("")
	config.MCP.Watch = boolPtr(false)
	config.Host.RunDir = runDir

	h, err := New(config, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	files := processfile.NewManager(runDir, logging.NewNopLogger())
	gatewayPort := func() int {
		port, err := files.ReadPort(RunFileGateway)
		if err != nil {
			return 0
		}
		return port
	}
	require.Eventually(t, func() bool { return gatewayPort() != 0 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.gateway.Stop())

	require.Eventually(t, func() bool {
		addr := h.GatewayAddr()
		return addr != "" && addr == "127.0.0.1:"+strconv.Itoa(gatewayPort())
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, getBody(t, "http://"+h.GatewayAddr()+"/v1/models"), `"object":"list"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("host did not stop")
	}
	assert.Empty(t, h.GatewayAddr())
}
