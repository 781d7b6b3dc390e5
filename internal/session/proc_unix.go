//go:build unix

package session

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr sets platform-specific process attributes for agent
// processes. On Unix the agent gets its own process group so the helpers
// it spawns can be signaled together.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcessGroup sends SIGINT to the agent's process group.
func interruptProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

// killProcessGroup kills the agent's entire process group so no helper
// processes are left behind.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
