// Package processfile manages the host's run files: a PID file guarding
// against a second instance and port files announcing bound listeners.
package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/processstate"
)

const DefaultAppName = "hsu-host"

// DefaultDirectory returns the per-user run directory for appName.
func DefaultDirectory(appName string) string {
	return filepath.Join(userRunDirectory(), appName)
}

// DefaultLogDirectory returns the per-user log directory for appName.
func DefaultLogDirectory(appName string) string {
	return filepath.Join(userLogDirectory(), appName)
}

func userRunDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, "Library", "Application Support")
		}
		return os.TempDir()
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func userLogDirectory() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(userRunDirectory(), "logs")
	case "darwin":
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, "Library", "Logs")
		}
		return filepath.Join(os.TempDir(), "logs")
	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "logs")
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, ".local", "share", "logs")
		}
		return filepath.Join(os.TempDir(), "logs")
	}
}

// Manager reads and writes run files in one directory.
type Manager struct {
	dir    string
	logger logging.Logger
}

func NewManager(dir string, logger logging.Logger) *Manager {
	return &Manager{dir: dir, logger: logger}
}

func (m *Manager) Directory() string {
	return m.dir
}

func (m *Manager) PIDFilePath(name string) string {
	return filepath.Join(m.dir, name+".pid")
}

func (m *Manager) PortFilePath(name string) string {
	return filepath.Join(m.dir, name+".port")
}

// Acquire writes the current PID to name's PID file. It fails with a
// conflict error when the file names another live process; a stale file is
// overwritten.
func (m *Manager) Acquire(name string) error {
	path := m.PIDFilePath(name)

	if pid, err := readIntFile(path); err == nil && pid != os.Getpid() {
		running, err := processstate.IsProcessRunning(pid)
		if err != nil {
			m.logger.Warnf("Failed to probe PID from %s: %v", path, err)
		}
		if running {
			return errors.NewConflictError("another instance is running", nil).WithContext("pid", pid).WithContext("pid_file", path)
		}
		m.logger.Infof("Replacing stale PID file, path: %s, pid: %d", path, pid)
	}

	if err := m.writeIntFile(path, os.Getpid()); err != nil {
		return err
	}
	m.logger.Debugf("PID file written, path: %s, pid: %d", path, os.Getpid())
	return nil
}

// WritePort announces the port a listener of name is bound to.
func (m *Manager) WritePort(name string, port int) error {
	path := m.PortFilePath(name)
	if err := m.writeIntFile(path, port); err != nil {
		return err
	}
	m.logger.Debugf("Port file written, path: %s, port: %d", path, port)
	return nil
}

// ReadPort reads the port announced for name.
func (m *Manager) ReadPort(name string) (int, error) {
	path := m.PortFilePath(name)
	port, err := readIntFile(path)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, errors.NewValidationError("invalid port in port file", nil).WithContext("port_file", path).WithContext("port", port)
	}
	return port, nil
}

// Remove deletes the PID and port files of the given names. Missing files
// are ignored.
func (m *Manager) Remove(names ...string) {
	for _, name := range names {
		for _, path := range []string{m.PIDFilePath(name), m.PortFilePath(name)} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Warnf("Failed to remove run file %s: %v", path, err)
			}
		}
	}
}

func (m *Manager) writeIntFile(path string, value int) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return errors.NewIOError("failed to create run directory", err).WithContext("dir", m.dir)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", value)), 0644); err != nil {
		return errors.NewIOError("failed to write run file", err).WithContext("path", path)
	}
	return nil
}

func readIntFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("run file not found", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to read run file", err).WithContext("path", path)
	}
	s := strings.TrimSpace(string(content))
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewValidationError("invalid run file content", err).WithContext("path", path).WithContext("content", s)
	}
	return v, nil
}
