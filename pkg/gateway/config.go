package gateway

import (
	"strings"

	"github.com/core-tools/hsu-host/pkg/errors"
)

// ProxyConfig configures the inbound API gateway.
type ProxyConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Prefix string `yaml:"prefix"`
	// APIKey, when set, must be presented as "Authorization: Bearer <key>".
	APIKey       string   `yaml:"api_key"`
	TrustedHosts []string `yaml:"trusted_hosts"`
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Host:   "127.0.0.1",
		Port:   1337,
		Prefix: "/v1",
	}
}

// ValidateProxyConfig validates gateway configuration
func ValidateProxyConfig(config ProxyConfig) error {
	if config.Host == "" {
		return errors.NewValidationError("gateway host is required", nil)
	}
	if config.Port < 0 || config.Port > 65535 {
		return errors.NewValidationError("gateway port must be between 0 and 65535", nil)
	}
	if config.Prefix != "" && !strings.HasPrefix(config.Prefix, "/") {
		return errors.NewValidationError("gateway prefix must start with '/'", nil).WithContext("prefix", config.Prefix)
	}
	for _, pattern := range config.TrustedHosts {
		if _, err := ParseHostPattern(pattern); err != nil {
			return err
		}
	}
	return nil
}

// stripPrefix removes prefix from path. An empty result becomes "/".
func stripPrefix(path, prefix string) string {
	if prefix != "" && prefix != "/" && strings.HasPrefix(path, prefix) {
		path = strings.TrimPrefix(path, prefix)
	}
	if path == "" {
		return "/"
	}
	return path
}
