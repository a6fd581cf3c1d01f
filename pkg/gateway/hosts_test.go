package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostMatcher_IsTrusted(t *testing.T) {
	m, err := NewHostMatcher([]string{"localhost", "127.0.0.1", "*.example.com", "::1", "Jan.AI."})
	require.NoError(t, err)

	tests := []struct {
		host     string
		expected bool
	}{
		{"localhost", true},
		{"localhost:1337", true},
		{"LOCALHOST", true},
		{"localhost.", true},
		{"127.0.0.1:8080", true},
		{"127.0.0.2", false},
		{"api.example.com", true},
		{"a.b.example.com:443", true},
		{"example.com", false},
		{"evilexample.com", false},
		{"example.com.evil.org", false},
		{"[::1]:1337", true},
		{"[::1]", true},
		{"jan.ai", true},
		{"x.jan.ai", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.IsTrusted(tt.host))
		})
	}
}

func TestParseHostPattern(t *testing.T) {
	p, err := ParseHostPattern("*.Example.com")
	require.NoError(t, err)
	assert.Equal(t, HostPattern{"com", "example", "*"}, p)

	for _, bad := range []string{"", "  ", "a.*.com", "a..com"} {
		_, err := ParseHostPattern(bad)
		assert.Error(t, err, bad)
	}
}

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		path, prefix, expected string
	}{
		{"/v1/chat/completions", "/v1", "/chat/completions"},
		{"/v1", "/v1", "/"},
		{"/models", "/v1", "/models"},
		{"/v1/models", "", "/v1/models"},
		{"/x", "/", "/x"},
		{"", "", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, stripPrefix(tt.path, tt.prefix), tt.path)
	}
}

func TestValidateProxyConfig(t *testing.T) {
	assert.NoError(t, ValidateProxyConfig(DefaultProxyConfig()))
	assert.Error(t, ValidateProxyConfig(ProxyConfig{Port: 1}))
	assert.Error(t, ValidateProxyConfig(ProxyConfig{Host: "h", Port: 70000}))
	assert.Error(t, ValidateProxyConfig(ProxyConfig{Host: "h", Prefix: "v1"}))
	assert.Error(t, ValidateProxyConfig(ProxyConfig{Host: "h", TrustedHosts: []string{"a.*.b"}}))
}
