package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-host/pkg/errors"
)

// ValidateCommandSpec validates a child command before it is started
func ValidateCommandSpec(spec CommandSpec) error {
	if spec.Path == "" {
		return errors.NewValidationError("command is required", nil)
	}

	// Bare names are resolved through PATH by exec; explicit paths must exist
	if strings.ContainsRune(spec.Path, filepath.Separator) || strings.ContainsRune(spec.Path, '/') {
		if _, err := os.Stat(spec.Path); os.IsNotExist(err) {
			return errors.NewValidationError("executable not found: "+spec.Path, err)
		}
	}

	if spec.Dir != "" {
		if info, err := os.Stat(spec.Dir); err != nil {
			return errors.NewValidationError("working directory not accessible: "+spec.Dir, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+spec.Dir, nil)
		}
	}

	for key := range spec.Env {
		if key == "" || strings.Contains(key, "=") {
			return errors.NewValidationError("invalid environment variable name: "+key, nil)
		}
	}

	if spec.GracePeriod < 0 {
		return errors.NewValidationError("grace period cannot be negative", nil)
	}

	return nil
}
