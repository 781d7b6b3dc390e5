package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/zhubert/shepherd/internal/config"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/process"
)

var (
	skipConfirm bool
	killAgents  bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove logs, stale lock files, and orphaned agent processes",
	Long: `Removes debug and session log files, plus any stale lock or pid file left
behind by a supervisor that did not shut down cleanly. With --kill, also
finds running processes that match the configured agent commands and stops
them.

The command refuses to run while a supervisor holds the lock. It will
prompt for confirmation before proceeding unless the --yes flag is used.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&killAgents, "kill", false, "Also stop orphaned agent processes")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin)
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(input io.Reader) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	lockPath, err := config.LockPath()
	if err != nil {
		return err
	}
	pidPath, err := config.PidPath()
	if err != nil {
		return err
	}

	// Gather what there is to clean. Probing the lock tells us whether a
	// supervisor is still running; cleaning under a live one would pull
	// state out from under it.
	var staleFiles []string
	var lock *flock.Flock
	if _, err := os.Stat(lockPath); err == nil {
		lock = flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not probe lock file: %v\n", err)
			lock = nil
		} else if !locked {
			return fmt.Errorf("a supervisor is running (lock %s is held); stop it before cleaning", lockPath)
		} else {
			staleFiles = append(staleFiles, lockPath)
		}
	}
	if _, err := os.Stat(pidPath); err == nil {
		staleFiles = append(staleFiles, pidPath)
	}

	logFiles, err := logger.LogFiles()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error listing log files: %v\n", err)
	}

	var orphans []process.AgentProcess
	if killAgents {
		orphans, err = process.FindAgentProcesses(agentCommands(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error finding agent processes: %v\n", err)
		}
	}

	if len(staleFiles) == 0 && len(logFiles) == 0 && len(orphans) == 0 {
		releaseLock(lock)
		fmt.Println("Nothing to clean.")
		return nil
	}

	// Print summary of what will be cleaned
	fmt.Println("This will clean:")
	if len(logFiles) > 0 {
		fmt.Printf("  - %d log file(s)\n", len(logFiles))
	}
	if len(staleFiles) > 0 {
		fmt.Printf("  - %d stale supervisor file(s)\n", len(staleFiles))
		for _, path := range staleFiles {
			fmt.Printf("      %s\n", path)
		}
	}
	if len(orphans) > 0 {
		fmt.Printf("  - %d orphaned agent process(es)\n", len(orphans))
		for _, proc := range orphans {
			fmt.Printf("      PID %d (%s): %s\n", proc.PID, proc.AgentType, proc.Command)
		}
	}

	// Confirm unless --yes flag is set
	if !skipConfirm {
		if !confirm(input, "Continue?") {
			releaseLock(lock)
			fmt.Println("Aborted.")
			return nil
		}
	}

	logsCleared, err := logger.ClearLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
	}

	// Release the probe lock before unlinking so the remove works on
	// every platform.
	releaseLock(lock)
	filesRemoved := 0
	for _, path := range staleFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: error removing %s: %v\n", path, err)
			continue
		}
		filesRemoved++
	}

	killed := 0
	if killAgents && len(orphans) > 0 {
		killed, err = process.KillOrphans(agentCommands(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error stopping agent processes: %v\n", err)
		}
	}

	// Print results
	fmt.Println()
	fmt.Println("Cleaned:")
	if logsCleared > 0 {
		fmt.Printf("  - %d log file(s) removed\n", logsCleared)
	}
	if filesRemoved > 0 {
		fmt.Printf("  - %d stale supervisor file(s) removed\n", filesRemoved)
	}
	if killed > 0 {
		fmt.Printf("  - %d orphaned agent process(es) stopped\n", killed)
	}
	if logsCleared == 0 && filesRemoved == 0 && killed == 0 {
		fmt.Println("  - nothing")
	}

	return nil
}

// agentCommands collects the configured agent commands keyed by agent type.
func agentCommands(cfg *config.Config) map[string][]string {
	agents := make(map[string][]string)
	for _, agentType := range cfg.AgentTypes() {
		if argv, ok := cfg.GetAgentCommand(agentType); ok {
			agents[agentType] = argv
		}
	}
	return agents
}

func releaseLock(lock *flock.Flock) {
	if lock != nil {
		lock.Unlock()
	}
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Printf("%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
