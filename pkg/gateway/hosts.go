package gateway

import (
	"net"
	"strings"

	"github.com/core-tools/hsu-host/pkg/errors"
)

// HostPattern is a trusted host split into labels, rightmost first. A "*"
// as the last element matches one or more remaining labels.
type HostPattern []string

// ParseHostPattern parses patterns like "localhost", "127.0.0.1" or
// "*.example.com".
func ParseHostPattern(pattern string) (HostPattern, error) {
	pattern = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(pattern)), ".")
	if pattern == "" {
		return nil, errors.NewValidationError("trusted host pattern cannot be empty", nil)
	}

	labels := reverseLabels(pattern)
	for i, label := range labels {
		if label == "" {
			return nil, errors.NewValidationError("trusted host pattern has an empty label", nil).WithContext("pattern", pattern)
		}
		if label == "*" && i != len(labels)-1 {
			return nil, errors.NewValidationError("wildcard is only allowed as the leftmost label", nil).WithContext("pattern", pattern)
		}
	}
	return HostPattern(labels), nil
}

// Match reports whether a normalized host (labels rightmost first) matches.
func (p HostPattern) Match(host []string) bool {
	for i, label := range p {
		if label == "*" && i == len(p)-1 {
			return len(host) > i
		}
		if i >= len(host) || host[i] != label {
			return false
		}
	}
	return len(host) == len(p)
}

// HostMatcher checks Host header values against trusted patterns.
type HostMatcher struct {
	patterns []HostPattern
}

// NewHostMatcher parses patterns. Invalid patterns are reported.
func NewHostMatcher(patterns []string) (*HostMatcher, error) {
	m := &HostMatcher{}
	for _, p := range patterns {
		parsed, err := ParseHostPattern(p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, parsed)
	}
	return m, nil
}

// IsTrusted reports whether host (optionally with port) matches a pattern.
func (m *HostMatcher) IsTrusted(host string) bool {
	name := normalizeHost(host)
	if name == "" {
		return false
	}
	labels := reverseLabels(name)
	for _, p := range m.patterns {
		if p.Match(labels) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

func reverseLabels(host string) []string {
	// IPv6 literals are matched as a single label
	if strings.Contains(host, ":") {
		return []string{host}
	}
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return labels
}
