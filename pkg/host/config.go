package host

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/gateway"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/mcp"
	"github.com/core-tools/hsu-host/pkg/monitoring"
	"github.com/core-tools/hsu-host/pkg/processfile"
	"github.com/core-tools/hsu-host/pkg/sessions"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

// Config represents the top-level configuration file structure
type Config struct {
	Host     HostOptions             `yaml:"host"`
	Logging  logging.ZapConfig       `yaml:"logging"`
	MCP      MCPConfig               `yaml:"mcp"`
	Gateway  GatewayConfig           `yaml:"gateway"`
	Control  ControlConfig           `yaml:"control"`
	Sessions []sessions.ModelSession `yaml:"sessions,omitempty"`
}

type HostOptions struct {
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
	// RunDir holds the PID and port files; empty disables them.
	RunDir string `yaml:"run_dir,omitempty"`
}

// MCPConfig configures tool server supervision.
type MCPConfig struct {
	ConfigFile string `yaml:"config_file"`
	// BinDir holds bundled runtimes (bun, uv); DataDir their caches.
	BinDir    string                `yaml:"bin_dir,omitempty"`
	DataDir   string                `yaml:"data_dir,omitempty"`
	Overrides []mcp.RuntimeOverride `yaml:"overrides,omitempty"`
	StderrLog string                `yaml:"stderr_log,omitempty"`

	GracePeriod        time.Duration          `yaml:"grace_period,omitempty"`
	HandshakeTimeout   time.Duration          `yaml:"handshake_timeout,omitempty"`
	VerificationWindow time.Duration          `yaml:"verification_window,omitempty"`
	MaxRestarts        int                    `yaml:"max_restarts,omitempty"`
	StartupMaxRestarts int                    `yaml:"startup_max_restarts,omitempty"`
	Probe              monitoring.ProbeConfig `yaml:"probe,omitempty"`

	Watch         *bool         `yaml:"watch,omitempty"`
	WatchDebounce time.Duration `yaml:"watch_debounce,omitempty"`
}

type GatewayConfig struct {
	Enabled             *bool `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	gateway.ProxyConfig `yaml:",inline"`
}

type ControlConfig struct {
	GRPCPort     int    `yaml:"grpc_port,omitempty"`     // 0 disables the gRPC health service
	AdminAddress string `yaml:"admin_address,omitempty"` // empty disables the admin API
}

// LoadConfigFromFile loads host configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to load configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig parses YAML and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}
	setConfigDefaults(&config)
	return &config, nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Host.ForceShutdownTimeout == 0 {
		config.Host.ForceShutdownTimeout = 10 * time.Second
	}
	if config.Host.RunDir == "" {
		config.Host.RunDir = processfile.DefaultDirectory(processfile.DefaultAppName)
	}

	defaultLogging := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = defaultLogging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaultLogging.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaultLogging.Output
	}

	opts := supervisor.DefaultOptions()
	if config.MCP.VerificationWindow == 0 {
		config.MCP.VerificationWindow = opts.VerificationWindow
	}
	if config.MCP.MaxRestarts == 0 {
		config.MCP.MaxRestarts = opts.MaxRestarts
	}
	if config.MCP.StartupMaxRestarts == 0 {
		config.MCP.StartupMaxRestarts = opts.StartupMaxRestarts
	}
	if config.MCP.Probe.Interval == 0 {
		config.MCP.Probe.Interval = opts.Probe.Interval
	}
	if config.MCP.Probe.Timeout == 0 {
		config.MCP.Probe.Timeout = opts.Probe.Timeout
	}
	if config.MCP.StderrLog == "" {
		config.MCP.StderrLog = filepath.Join(processfile.DefaultLogDirectory(processfile.DefaultAppName), "mcp.log")
	}
	if config.MCP.HandshakeTimeout == 0 {
		config.MCP.HandshakeTimeout = 60 * time.Second
	}
	if config.MCP.Overrides == nil && config.MCP.BinDir != "" {
		config.MCP.Overrides = mcp.DefaultRuntimeOverrides(config.MCP.BinDir, config.MCP.DataDir)
	}
	if config.MCP.Watch == nil {
		watch := config.MCP.ConfigFile != ""
		config.MCP.Watch = &watch
	}

	defaultGateway := gateway.DefaultProxyConfig()
	if config.Gateway.Enabled == nil {
		enabled := true
		config.Gateway.Enabled = &enabled
	}
	if config.Gateway.Host == "" {
		config.Gateway.Host = defaultGateway.Host
	}
	if config.Gateway.Port == 0 {
		config.Gateway.Port = defaultGateway.Port
	}
	if config.Gateway.Prefix == "" {
		config.Gateway.Prefix = defaultGateway.Prefix
	}
	if len(config.Gateway.TrustedHosts) == 0 {
		config.Gateway.TrustedHosts = []string{"localhost", "127.0.0.1", "::1"}
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.Host.ForceShutdownTimeout != 0 {
		if err := ValidateTimeout(config.Host.ForceShutdownTimeout, "force shutdown"); err != nil {
			return errors.NewValidationError("invalid host configuration", err)
		}
	}

	if _, err := logging.ParseLevel(config.Logging.Level); err != nil {
		return errors.NewValidationError("invalid logging configuration", err)
	}

	if err := validateMCPConfig(&config.MCP); err != nil {
		return errors.NewValidationError("invalid mcp configuration", err)
	}

	if config.Gateway.Enabled == nil || *config.Gateway.Enabled {
		if err := gateway.ValidateProxyConfig(config.Gateway.ProxyConfig); err != nil {
			return errors.NewValidationError("invalid gateway configuration", err)
		}
	}

	if err := validateControlConfig(&config.Control); err != nil {
		return errors.NewValidationError("invalid control configuration", err)
	}

	seen := make(map[int]bool)
	for _, s := range config.Sessions {
		if seen[s.ID] {
			return errors.NewValidationError("duplicate session id", nil).WithContext("id", s.ID)
		}
		seen[s.ID] = true
		if err := ValidatePort(s.Port); err != nil {
			return errors.NewValidationError("invalid session configuration", err).WithContext("id", s.ID)
		}
		if s.ModelID == "" {
			return errors.NewValidationError("session model_id is required", nil).WithContext("id", s.ID)
		}
	}

	return nil
}

func validateMCPConfig(config *MCPConfig) error {
	if config.MaxRestarts < 0 || config.StartupMaxRestarts < 0 {
		return errors.NewValidationError("restart budgets cannot be negative", nil)
	}
	if config.VerificationWindow < 0 || config.GracePeriod < 0 || config.HandshakeTimeout < 0 {
		return errors.NewValidationError("mcp timeouts cannot be negative", nil)
	}
	if err := monitoring.ValidateProbeConfig(config.Probe); err != nil {
		return err
	}
	for _, o := range config.Overrides {
		if o.Command == "" || o.Executable == "" {
			return errors.NewValidationError("runtime override needs command and executable", nil).WithContext("command", o.Command)
		}
	}
	return nil
}

func validateControlConfig(config *ControlConfig) error {
	if config.GRPCPort != 0 {
		if err := ValidatePort(config.GRPCPort); err != nil {
			return err
		}
	}
	if config.AdminAddress != "" {
		if err := ValidateNetworkAddress(config.AdminAddress); err != nil {
			return err
		}
	}
	return nil
}
