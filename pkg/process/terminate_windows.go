//go:build windows

package process

import (
	"fmt"
	"os"
)

// SendTerminationSignal terminates pid. Console control events cannot reach a
// child started without a window, so this is a hard stop.
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func KillProcessGroup(pid int) error {
	if err := SendTerminationSignal(pid); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
