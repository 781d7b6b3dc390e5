package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhubert/shepherd/internal/changelog"
)

var (
	changelogSince  string
	changelogRemote bool
)

var changelogCmd = &cobra.Command{
	Use:   "changelog",
	Short: "Show what changed in recent releases",
	Long: `Prints the bundled changelog, newest release first. With --remote it
fetches published releases from GitHub instead, and --since filters to
entries newer than a given version.`,
	RunE: runChangelog,
}

func init() {
	changelogCmd.Flags().StringVar(&changelogSince, "since", "", "Only show entries newer than this version")
	changelogCmd.Flags().BoolVar(&changelogRemote, "remote", false, "Fetch published releases from GitHub")
	rootCmd.AddCommand(changelogCmd)
}

func runChangelog(cmd *cobra.Command, args []string) error {
	var entries []changelog.Entry
	if changelogRemote {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		entries, err = changelog.FetchReleases(ctx)
		if err != nil {
			return err
		}
	} else {
		entries = changelog.Parse(changelog.Content)
	}

	entries = changelog.GetChangesSince(changelogSince, entries)
	if len(entries) == 0 {
		fmt.Println("No changes to show.")
		return nil
	}

	for _, entry := range entries {
		if entry.Date != "" {
			fmt.Printf("v%s (%s)\n", entry.Version, entry.Date)
		} else {
			fmt.Printf("v%s\n", entry.Version)
		}
		for _, change := range entry.Changes {
			fmt.Printf("  - %s\n", change)
		}
		fmt.Println()
	}
	return nil
}
