package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zhubert/shepherd/internal/config"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/oracle"
	"github.com/zhubert/shepherd/internal/supervisor"
)

var (
	debugMode             bool
	quietMode             bool
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Supervisor for interactive coding-agent sessions",
	Long: `Shepherd runs interactive CLI coding agents as supervised sessions. It
watches each session's output, answers routine prompts on its own, asks a
decision oracle what to do when an agent stalls, and escalates to the
operator when a prompt needs human judgment.

Run with no arguments it starts the supervisor daemon. Use "shepherd task"
to run a single task to completion from a script.`,
	RunE:          runSupervisor,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level only")
}

func initLogging() {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
}

// Execute runs the root command
func Execute() error {
	// Set version dynamically
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("shepherd %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("shepherd %s\n", version)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := logger.Init(logger.DefaultLogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not open log file: %v\n", err)
	}
	defer logger.Close()

	lockPath, err := config.LockPath()
	if err != nil {
		return err
	}
	pidPath, err := config.PidPath()
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Options{
		Config:   cfg,
		Oracle:   oracle.NewCLIOracle(cfg.GetOracleCommand(), cfg.GetOracleTimeout()),
		LockPath: lockPath,
		PidPath:  pidPath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal asks for a graceful shutdown, a second one force-exits.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "shutting down...")
		cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(1)
	}()

	logger.Info("supervisor starting: version=%s", version)
	return sup.Run(ctx)
}
