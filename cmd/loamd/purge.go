package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	purgeMinAgeDays     int
	purgeFromCommitTime int64
	purgeWindowMs       int64
	purgeTimeoutSec     int64
)

// purgeCmd runs a single purge and prints its messages.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run one purge now and print the result",
	Long: `Run one purge now. The job lock is taken as for a scheduled run, so a purge
already running elsewhere makes this command skip. Flags override the
corresponding purge.* settings for this run only.`,
	RunE: purgeHandler,
}

func init() {
	purgeCmd.Flags().IntVar(&purgeMinAgeDays, "min-age-days", 0, "Keep anything committed within this many days; negative disables")
	purgeCmd.Flags().Int64Var(&purgeFromCommitTime, "from-commit-time", 0, "Start at this commit time (unix ms) instead of the oldest deleted node")
	purgeCmd.Flags().Int64Var(&purgeWindowMs, "window-ms", 0, "Initial and maximum window width in ms")
	purgeCmd.Flags().Int64Var(&purgeTimeoutSec, "timeout-sec", 0, "Stop each purger after this many seconds")
}

func purgeHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("min-age-days") {
		cfg.Purge.MinPurgeAgeDays = purgeMinAgeDays
	}
	if flags.Changed("from-commit-time") {
		cfg.Purge.FromCustomCommitTime = purgeFromCommitTime
	}
	if flags.Changed("window-ms") {
		cfg.Purge.PurgeWindowMs = purgeWindowMs
	}
	if flags.Changed("timeout-sec") {
		cfg.Purge.TimeoutSec = purgeTimeoutSec
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogger(cmd, cfg)

	worker, err := NewWorker(cmd.Context(), WorkerOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer worker.Close()

	res, err := worker.RunOnce(cmd.Context())
	out := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintf(out, "Skipped: job %q is held by %s\n", cfg.Purge.JobName, res.HeldBy)
		return nil
	}
	for _, msg := range res.Messages {
		fmt.Fprintln(out, msg)
	}
	if err != nil {
		return fmt.Errorf("purge run %s stopped: %w", res.RunID, err)
	}
	fmt.Fprintf(out, "Run %s finished in %s\n", res.RunID, res.Duration)
	return nil
}
