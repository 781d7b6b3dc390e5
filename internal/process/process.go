// Package process finds and stops agent processes left behind by a
// previous supervisor, for the clean command.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zhubert/shepherd/internal/logger"
)

// termGrace is how long a process gets to exit after SIGTERM before the
// kill escalates to SIGKILL.
const termGrace = 200 * time.Millisecond

// AgentProcess is a running process matching a configured agent command.
type AgentProcess struct {
	PID       int
	AgentType string
	Command   string
}

// FindAgentProcesses scans the system for processes whose command line
// starts with one of the configured agent executables. Matching is by
// executable name, so an agent launched by hand matches the same as one
// a supervisor spawned. The caller decides whether a match is actually
// orphaned; a supervisor that is still running owns its agents.
func FindAgentProcesses(agents map[string][]string) ([]AgentProcess, error) {
	if runtime.GOOS == "windows" {
		return findWindows(agents)
	}
	return findUnix(agents)
}

func findUnix(agents map[string][]string) ([]AgentProcess, error) {
	self := os.Getpid()
	seen := make(map[int]bool)
	var procs []AgentProcess

	for _, agentType := range sortedTypes(agents) {
		command := agents[agentType]
		if len(command) == 0 {
			continue
		}
		pattern := commandPattern(command[0])
		out, err := exec.Command("pgrep", "-f", pattern).Output()
		if err != nil {
			// pgrep exits 1 when nothing matches.
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
				continue
			}
			return nil, fmt.Errorf("pgrep for %s agents: %w", agentType, err)
		}
		for _, field := range strings.Fields(string(out)) {
			pid, err := strconv.Atoi(field)
			if err != nil || pid == self || seen[pid] {
				continue
			}
			seen[pid] = true
			procs = append(procs, AgentProcess{
				PID:       pid,
				AgentType: agentType,
				Command:   commandLine(pid),
			})
		}
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	logger.Debug("found %d agent processes across %d agent types", len(procs), len(agents))
	return procs, nil
}

func findWindows(agents map[string][]string) ([]AgentProcess, error) {
	seen := make(map[int]bool)
	var procs []AgentProcess

	for _, agentType := range sortedTypes(agents) {
		command := agents[agentType]
		if len(command) == 0 {
			continue
		}
		image := strings.TrimSuffix(filepath.Base(command[0]), ".exe") + ".exe"
		out, err := exec.Command("tasklist", "/FI", "IMAGENAME eq "+image, "/FO", "CSV", "/NH").Output()
		if err != nil {
			return nil, fmt.Errorf("tasklist for %s agents: %w", agentType, err)
		}
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Split(strings.TrimSpace(line), ",")
			if len(fields) < 2 {
				continue
			}
			pid, err := strconv.Atoi(strings.Trim(fields[1], `"`))
			if err != nil || seen[pid] {
				continue
			}
			seen[pid] = true
			procs = append(procs, AgentProcess{
				PID:       pid,
				AgentType: agentType,
				Command:   strings.Trim(fields[0], `"`),
			})
		}
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

// KillProcess stops one process: SIGTERM, a short grace period, then
// SIGKILL if it is still alive. A pid that is already gone is not an
// error.
func KillProcess(pid int) error {
	if runtime.GOOS == "windows" {
		out, err := exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
		if err != nil && !strings.Contains(string(out), "not found") {
			return fmt.Errorf("taskkill pid %d: %w", pid, err)
		}
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if processGone(err) {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil && !processGone(err) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// KillOrphans finds agent processes for the configured commands and
// stops each one. Returns how many were stopped.
func KillOrphans(agents map[string][]string) (int, error) {
	procs, err := FindAgentProcesses(agents)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, p := range procs {
		logger.Info("stopping orphaned %s process: pid=%d cmd=%s", p.AgentType, p.PID, p.Command)
		if err := KillProcess(p.PID); err != nil {
			logger.Warn("failed to stop pid %d: %v", p.PID, err)
			continue
		}
		killed++
	}
	return killed, nil
}

// commandPattern anchors the executable name to the start of a command
// line path segment so "claude" does not match "claude-helper" or
// arguments that merely mention the name.
func commandPattern(argv0 string) string {
	return "(^|/)" + regexp.QuoteMeta(filepath.Base(argv0)) + "( |$)"
}

// commandLine reads the full command line of a pid, or "" if the
// process vanished before we could look.
func commandLine(pid int) string {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "args=").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func sortedTypes(agents map[string][]string) []string {
	types := make([]string, 0, len(agents))
	for t := range agents {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
