package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-host/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidateCommandSpec(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	assert.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	tests := []struct {
		name      string
		spec      CommandSpec
		shouldErr bool
	}{
		{
			name:      "bare_command_resolved_through_path",
			spec:      CommandSpec{Path: "npx"},
			shouldErr: false,
		},
		{
			name:      "empty_command",
			spec:      CommandSpec{},
			shouldErr: true,
		},
		{
			name:      "missing_explicit_path",
			spec:      CommandSpec{Path: filepath.Join(dir, "missing")},
			shouldErr: true,
		},
		{
			name:      "working_directory_is_file",
			spec:      CommandSpec{Path: "npx", Dir: file},
			shouldErr: true,
		},
		{
			name:      "valid_working_directory",
			spec:      CommandSpec{Path: "npx", Dir: dir},
			shouldErr: false,
		},
		{
			name:      "invalid_env_name",
			spec:      CommandSpec{Path: "npx", Env: map[string]string{"A=B": "c"}},
			shouldErr: true,
		},
		{
			name:      "negative_grace_period",
			spec:      CommandSpec{Path: "npx", GracePeriod: -time.Second},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommandSpec(tt.spec)
			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin"}, map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "A=1", "B=2"}, env)

	base := []string{"X=1"}
	assert.Equal(t, base, mergeEnv(base, nil))
}
