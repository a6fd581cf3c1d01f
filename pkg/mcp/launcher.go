package mcp

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/process"
)

// RuntimeOverride replaces a launcher command (e.g. npx) with a bundled
// runtime when that runtime is present on disk.
type RuntimeOverride struct {
	Command    string   `yaml:"command"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,omitempty"`
	CacheEnv   string   `yaml:"cache_env,omitempty"`
	CacheDir   string   `yaml:"cache_dir,omitempty"`
}

// DefaultRuntimeOverrides maps npx to "bun x" and uvx to "uv tool run" from
// binDir, with package caches kept under dataDir.
func DefaultRuntimeOverrides(binDir, dataDir string) []RuntimeOverride {
	return []RuntimeOverride{
		{
			Command:    "npx",
			Executable: filepath.Join(binDir, executableName("bun")),
			Args:       []string{"x"},
			CacheEnv:   "BUN_INSTALL",
			CacheDir:   filepath.Join(dataDir, ".npx"),
		},
		{
			Command:    "uvx",
			Executable: filepath.Join(binDir, executableName("uv")),
			Args:       []string{"tool", "run"},
			CacheEnv:   "UV_CACHE_DIR",
			CacheDir:   filepath.Join(dataDir, ".uvx"),
		},
	}
}

func executableName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

type LauncherConfig struct {
	ClientInfo       Implementation
	Overrides        []RuntimeOverride
	StderrLog        string // appended to by every child; empty discards stderr
	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
}

// Launcher spawns tool servers and performs the handshake.
type Launcher struct {
	config LauncherConfig
	logger logging.Logger
}

func NewLauncher(config LauncherConfig, logger logging.Logger) *Launcher {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 60 * time.Second
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = process.DefaultGracePeriod
	}
	return &Launcher{config: config, logger: logger}
}

// Resolve turns a server config into the command that will actually run.
func (l *Launcher) Resolve(cfg ServerConfig) process.CommandSpec {
	spec := process.CommandSpec{
		Path:        cfg.Command,
		Args:        append([]string(nil), cfg.Args...),
		Env:         make(map[string]string, len(cfg.Env)+1),
		GracePeriod: l.config.GracePeriod,
	}

	for _, o := range l.config.Overrides {
		if o.Command != cfg.Command || o.Executable == "" {
			continue
		}
		if _, err := os.Stat(o.Executable); err != nil {
			l.logger.Debugf("Runtime override skipped, command: %s, executable: %s not found", o.Command, o.Executable)
			continue
		}
		spec.Path = o.Executable
		spec.Args = append(append([]string(nil), o.Args...), cfg.Args...)
		if o.CacheEnv != "" && o.CacheDir != "" {
			spec.Env[o.CacheEnv] = o.CacheDir
		}
		break
	}

	for k, v := range cfg.Env {
		spec.Env[k] = v
	}
	return spec
}

// Launch starts the server and completes the handshake under ctx.
func (l *Launcher) Launch(ctx context.Context, name string, cfg ServerConfig) (Session, error) {
	spec := l.Resolve(cfg)
	log := logging.WithPrefix(l.logger, "mcp: "+name+" , ")

	var stderr *os.File
	if l.config.StderrLog != "" {
		if err := os.MkdirAll(filepath.Dir(l.config.StderrLog), 0755); err != nil {
			log.Errorf("Failed to create stderr log directory: %v", err)
		} else if f, err := os.OpenFile(l.config.StderrLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err != nil {
			log.Errorf("Failed to open stderr log: %v", err)
		} else {
			stderr = f
		}
	}
	if stderr != nil {
		spec.Stderr = stderr
	}

	log.Debugf("Launching, command: %s, args: %v", spec.Path, spec.Args)

	client, err := Start(name, spec, stderr, log)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, l.config.HandshakeTimeout)
	defer cancel()

	if _, err := client.Initialize(hctx, l.config.ClientInfo); err != nil {
		cctx, ccancel := context.WithTimeout(context.Background(), l.config.GracePeriod*2)
		_ = client.Cancel(cctx)
		ccancel()
		return nil, errors.NewProcessError("handshake failed", err).WithContext("server", name)
	}
	return client, nil
}

// Start spawns the command and attaches a client to its stdio. closer, if
// set, is closed after the process exits.
func Start(name string, spec process.CommandSpec, closer *os.File, logger logging.Logger) (*Client, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	fail := func(err error) (*Client, error) {
		cancel()
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	cmd, err := process.NewCommand(procCtx, spec)
	if err != nil {
		return fail(err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(errors.NewProcessError("failed to create stdin pipe", err).WithContext("server", name))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(errors.NewProcessError("failed to create stdout pipe", err).WithContext("server", name))
	}

	if err := cmd.Start(); err != nil {
		return fail(errors.NewProcessError("failed to start the process", err).
			WithContext("server", name).WithContext("command", spec.Path))
	}

	pid := cmd.Process.Pid
	logger.Infof("Process started, PID: %d", pid)

	exited := make(chan struct{})
	client := newClient(name, stdout, stdin, cancel, exited, logger)

	go func() {
		err := cmd.Wait()
		if procCtx.Err() != nil {
			// Leftover children of a cancelled server go with it
			_ = process.KillProcessGroup(pid)
		}
		if closer != nil {
			_ = closer.Close()
		}
		logger.Infof("Process exited, PID: %d, error: %v", pid, err)
		close(exited)
		client.closeWith(errors.NewProcessError("server process exited", err))
	}()

	return client, nil
}
