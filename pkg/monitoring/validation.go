package monitoring

import "github.com/core-tools/hsu-host/pkg/errors"

// ValidateProbeConfig validates health probe configuration
func ValidateProbeConfig(config ProbeConfig) error {
	if config.Interval < 0 {
		return errors.NewValidationError("health check interval cannot be negative", nil)
	}
	if config.Timeout < 0 {
		return errors.NewValidationError("health check timeout cannot be negative", nil)
	}
	if config.Interval > 0 && config.Timeout > config.Interval {
		return errors.NewValidationError("health check timeout cannot exceed interval", nil)
	}
	return nil
}
