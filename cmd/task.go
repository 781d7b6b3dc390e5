package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhubert/shepherd/internal/broadcast"
	"github.com/zhubert/shepherd/internal/config"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/oracle"
	"github.com/zhubert/shepherd/internal/registry"
	"github.com/zhubert/shepherd/internal/supervisor"
)

var (
	taskAgent   string
	taskWorkdir string
	taskVerbose bool
)

// taskPollInterval is how often the one-shot loop re-reads task status.
const taskPollInterval = 100 * time.Millisecond

var taskCmd = &cobra.Command{
	Use:   "task <description>",
	Short: "Run one task under supervision and exit",
	Long: `Spawns a single agent session for the given task description, supervises
it until it reaches a terminal status, prints the completion summary, and
exits. The exit code is nonzero when the task fails, is interrupted, or
escalates to a prompt that needs an operator.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	taskCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent type to run (defaults to the configured default)")
	taskCmd.Flags().StringVar(&taskWorkdir, "workdir", "", "Working directory for the agent")
	taskCmd.Flags().BoolVar(&taskVerbose, "verbose", false, "Print the decision audit trail on exit")
	rootCmd.AddCommand(taskCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	description := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := logger.Init(logger.DefaultLogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not open log file: %v\n", err)
	}
	defer logger.Close()

	// One-shot mode runs without the daemon lock and pid file so it can
	// coexist with a running supervisor.
	sup := supervisor.New(supervisor.Options{
		Config: cfg,
		Oracle: oracle.NewCLIOracle(cfg.GetOracleCommand(), cfg.GetOracleTimeout()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		interrupted.Store(true)
		fmt.Fprintln(os.Stderr, "interrupted, stopping task...")
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	events, unsubscribe := sup.Subscribe()
	defer unsubscribe()
	go printEvents(events)

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	id, err := sup.StartTask(supervisor.TaskOptions{
		Description: description,
		AgentType:   taskAgent,
		WorkDir:     taskWorkdir,
	})
	if err != nil {
		cancel()
		<-runErr
		return err
	}

	status := waitForOutcome(ctx, sup, id)
	cancel()
	if err := <-runErr; err != nil {
		fmt.Fprintf(os.Stderr, "Warning: supervisor exited with error: %v\n", err)
	}

	return report(sup, id, status, interrupted.Load())
}

// waitForOutcome blocks until the task reaches a terminal status or
// escalates, or the run context is cancelled.
func waitForOutcome(ctx context.Context, sup *supervisor.Supervisor, id string) registry.Status {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		task := sup.Task(id)
		if task == nil {
			return registry.StatusFailed
		}
		status := task.Status()
		if task.Terminal() || status == registry.StatusEscalated {
			return status
		}

		select {
		case <-ctx.Done():
			// Shutdown stops the session; give its exit a moment to land.
			deadline := time.After(5 * time.Second)
			for {
				if t := sup.Task(id); t != nil && t.Terminal() {
					return t.Status()
				}
				select {
				case <-deadline:
					if t := sup.Task(id); t != nil {
						return t.Status()
					}
					return registry.StatusFailed
				case <-time.After(taskPollInterval):
				}
			}
		case <-ticker.C:
		}
	}
}

// report prints the outcome and returns an error for any exit that
// scripts should treat as a failure.
func report(sup *supervisor.Supervisor, id string, status registry.Status, interrupted bool) error {
	task := sup.Task(id)

	if taskVerbose && task != nil {
		printDecisions(task.Decisions())
	}

	if interrupted {
		return fmt.Errorf("task interrupted")
	}

	switch status {
	case registry.StatusCompleted:
		fmt.Println("Task complete.")
		if task != nil {
			if note := task.CompletionNote(); note != "" {
				fmt.Println(note)
			}
		}
		return nil
	case registry.StatusEscalated:
		detail := "task needs operator attention"
		if dec, ok := sup.PendingEscalation(id); ok {
			if dec.Prompt != "" {
				detail = dec.Prompt
			} else if dec.Reasoning != "" {
				detail = dec.Reasoning
			}
		}
		return fmt.Errorf("task escalated: %s", detail)
	case registry.StatusStopped:
		return fmt.Errorf("task stopped before completing")
	default:
		return fmt.Errorf("task failed (status %s)", status)
	}
}

// printEvents relays supervision events to stderr so the one-shot run is
// observable while it works.
func printEvents(events <-chan broadcast.Event) {
	for ev := range events {
		switch ev.Kind {
		case broadcast.KindSessionStarted:
			fmt.Fprintf(os.Stderr, "[%s] session started\n", ev.Label)
		case broadcast.KindBlocked:
			fmt.Fprintf(os.Stderr, "[%s] blocked: %s\n", ev.Label, ev.Detail)
		case broadcast.KindAutoResolved:
			fmt.Fprintf(os.Stderr, "[%s] auto-resolved: %s\n", ev.Label, ev.Detail)
		case broadcast.KindDecision:
			fmt.Fprintf(os.Stderr, "[%s] decision: %s\n", ev.Label, ev.Detail)
		case broadcast.KindEscalation:
			fmt.Fprintf(os.Stderr, "[%s] escalation: %s\n", ev.Label, ev.Detail)
		case broadcast.KindTaskComplete:
			fmt.Fprintf(os.Stderr, "[%s] task complete\n", ev.Label)
		case broadcast.KindSessionExit:
			fmt.Fprintf(os.Stderr, "[%s] session exited\n", ev.Label)
		}
	}
}

// printDecisions dumps the audit trail, oldest first.
func printDecisions(decisions []registry.Decision) {
	if len(decisions) == 0 {
		return
	}
	fmt.Println("Decisions:")
	for _, d := range decisions {
		line := string(d.Kind)
		if d.Response != "" {
			line += fmt.Sprintf(" %q", d.Response)
		} else if len(d.Keys) > 0 {
			line += fmt.Sprintf(" keys=%v", d.Keys)
		}
		if d.Reasoning != "" {
			line += " (" + d.Reasoning + ")"
		}
		fmt.Printf("  %s  %s\n", d.Time.Format("15:04:05"), line)
	}
}
