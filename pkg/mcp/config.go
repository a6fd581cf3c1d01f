package mcp

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/core-tools/hsu-host/pkg/errors"
)

// ServerConfig is one entry of the "mcpServers" map.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Active  *bool             `json:"active,omitempty"`
}

// ServersConfig is the tool-server configuration document.
type ServersConfig struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// IsActive reports whether the server should be started. Only an explicit
// false disables it.
func (c ServerConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

// Equal reports whether two configs launch the same thing.
func (c ServerConfig) Equal(other ServerConfig) bool {
	if c.Command != other.Command || c.IsActive() != other.IsActive() {
		return false
	}
	if len(c.Args) != len(other.Args) || len(c.Env) != len(other.Env) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != other.Args[i] {
			return false
		}
	}
	for k, v := range c.Env {
		if ov, ok := other.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (c *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Command string                     `json:"command"`
		Args    []json.RawMessage          `json:"args"`
		Env     map[string]json.RawMessage `json:"env"`
		Active  *bool                      `json:"active"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := ServerConfig{Command: raw.Command, Active: raw.Active}
	for i, arg := range raw.Args {
		s, err := scalarString(arg)
		if err != nil {
			return fmt.Errorf("args[%d]: %w", i, err)
		}
		out.Args = append(out.Args, s)
	}
	if len(raw.Env) > 0 {
		out.Env = make(map[string]string, len(raw.Env))
		for k, v := range raw.Env {
			s, err := scalarString(v)
			if err != nil {
				return fmt.Errorf("env[%s]: %w", k, err)
			}
			out.Env[k] = s
		}
	}

	*c = out
	return nil
}

// scalarString accepts a JSON string, number or bool and returns its text.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("nested values are not supported")
	case 'n':
		return "", fmt.Errorf("null is not supported")
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", err
		}
		return fmt.Sprint(b), nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

// ParseServersConfig decodes and validates a configuration document.
func ParseServersConfig(data []byte) (*ServersConfig, error) {
	var config ServersConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse MCP server configuration", err)
	}
	if config.MCPServers == nil {
		config.MCPServers = make(map[string]ServerConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadServersConfig reads the configuration from filename. A missing file is
// an empty configuration.
func LoadServersConfig(filename string) (*ServersConfig, error) {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &ServersConfig{MCPServers: make(map[string]ServerConfig)}, nil
	}
	if err != nil {
		return nil, errors.NewIOError("failed to read MCP server configuration", err).WithContext("filename", filename)
	}

	config, err := ParseServersConfig(data)
	if err != nil {
		if de, ok := err.(*errors.DomainError); ok {
			return nil, de.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// Validate checks that every server names a command.
func (c *ServersConfig) Validate() error {
	for _, name := range c.Names() {
		if name == "" {
			return errors.NewValidationError("server name cannot be empty", nil)
		}
		if c.MCPServers[name].Command == "" {
			return errors.NewValidationError("command is required", nil).WithContext("server", name)
		}
	}
	return nil
}

// Names returns server names in sorted order.
func (c *ServersConfig) Names() []string {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
