//go:build windows

package session

import (
	"os"
	"os/exec"
)

// setSysProcAttr sets platform-specific process attributes for agent
// processes. On Windows no process group setup is needed.
func setSysProcAttr(cmd *exec.Cmd) {
	// No-op on Windows
}

// interruptProcessGroup stops the agent. Windows has no SIGINT for
// arbitrary processes, so this kills the main process directly.
func interruptProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

// killProcessGroup kills the main agent process. Child processes may
// remain - this is a known limitation on Windows.
func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
