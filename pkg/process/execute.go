package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/core-tools/hsu-host/pkg/errors"
)

// DefaultGracePeriod is how long a cancelled child gets between SIGTERM and kill.
const DefaultGracePeriod = 3 * time.Second

type CommandSpec struct {
	Path        string
	Args        []string
	Env         map[string]string
	Dir         string
	Stderr      io.Writer
	GracePeriod time.Duration
}

// NewCommand builds a child command bound to ctx. The child runs in its own
// process group; cancelling ctx sends it a termination signal and, after the
// grace period, kills it.
func NewCommand(ctx context.Context, spec CommandSpec) (*exec.Cmd, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}
	if err := ValidateCommandSpec(spec); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stderr = spec.Stderr

	// Platform-specific setup is in execute_unix.go / execute_windows.go
	setupProcessAttributes(cmd)

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return SendTerminationSignal(cmd.Process.Pid)
	}

	grace := spec.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	// wait after sending the termination signal, before sending the kill signal
	cmd.WaitDelay = grace

	return cmd, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
