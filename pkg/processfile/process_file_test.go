package processfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "run"), logging.NewNopLogger())
}

func TestPaths(t *testing.T) {
	m := NewManager("/var/tmp/hsu", logging.NewNopLogger())
	assert.Equal(t, filepath.Join("/var/tmp/hsu", "host.pid"), m.PIDFilePath("host"))
	assert.Equal(t, filepath.Join("/var/tmp/hsu", "gateway.port"), m.PortFilePath("gateway"))
	assert.Equal(t, "/var/tmp/hsu", m.Directory())
}

func TestDefaultDirectories(t *testing.T) {
	assert.Equal(t, DefaultAppName, filepath.Base(DefaultDirectory(DefaultAppName)))
	assert.Equal(t, DefaultAppName, filepath.Base(DefaultLogDirectory(DefaultAppName)))
}

func TestDefaultDirectory_XDGRuntimeDir(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG_RUNTIME_DIR only applies on Linux and other Unix systems")
	}
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, filepath.Join("/run/user/1000", "app"), DefaultDirectory("app"))
}

func TestAcquire_WritesPID(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Acquire("host"))
	content, err := os.ReadFile(m.PIDFilePath("host"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(content))

	// Re-acquiring our own PID file is fine
	assert.NoError(t, m.Acquire("host"))
}

func TestAcquire_LiveProcessConflicts(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.Directory(), 0755))
	require.NoError(t, os.WriteFile(m.PIDFilePath("host"), []byte(strconv.Itoa(os.Getppid())), 0644))

	err := m.Acquire("host")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestAcquire_StalePIDReplaced(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a Unix shell")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())

	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.Directory(), 0755))
	require.NoError(t, os.WriteFile(m.PIDFilePath("host"), []byte(strconv.Itoa(cmd.Process.Pid)), 0644))

	require.NoError(t, m.Acquire("host"))
	content, err := os.ReadFile(m.PIDFilePath("host"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(content))
}

func TestAcquire_GarbagePIDFileReplaced(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.Directory(), 0755))
	require.NoError(t, os.WriteFile(m.PIDFilePath("host"), []byte("not a pid"), 0644))

	assert.NoError(t, m.Acquire("host"))
}

func TestPortFiles(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ReadPort("gateway")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, m.WritePort("gateway", 1337))
	port, err := m.ReadPort("gateway")
	require.NoError(t, err)
	assert.Equal(t, 1337, port)

	require.NoError(t, os.WriteFile(m.PortFilePath("admin"), []byte("99999\n"), 0644))
	_, err = m.ReadPort("admin")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	require.NoError(t, os.WriteFile(m.PortFilePath("control"), []byte("abc"), 0644))
	_, err = m.ReadPort("control")
	assert.True(t, errors.IsValidationError(err))
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Acquire("host"))
	require.NoError(t, m.WritePort("gateway", 1337))

	m.Remove("host", "gateway", "never-written")

	assert.NoFileExists(t, m.PIDFilePath("host"))
	assert.NoFileExists(t, m.PortFilePath("gateway"))
}
