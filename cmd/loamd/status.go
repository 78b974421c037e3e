package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loam-io/loam/internal/joblock"
	"github.com/loam-io/loam/internal/nodes"
)

var statusJSON bool

// statusCmd prints the purge backlog and the job lock holder.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the purge backlog and who holds the job lock",
	RunE:  statusHandler,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
}

// statusReport is the output of the status command.
type statusReport struct {
	StoreID                 string        `json:"storeId"`
	Stats                   nodes.Stats   `json:"stats"`
	OldestDeletedCommitTime int64         `json:"oldestDeletedCommitTime"`
	Lock                    *joblock.Lock `json:"lock,omitempty"`
}

func statusHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cmd, cfg)

	worker, err := NewWorker(cmd.Context(), WorkerOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer worker.Close()

	ctx := cmd.Context()
	report := statusReport{StoreID: cfg.Metadata.StoreID}
	if report.Stats, err = worker.Store().Stats(ctx); err != nil {
		return err
	}
	if report.OldestDeletedCommitTime, err = worker.Store().MinCommitTimeOfDeletedNodes(ctx); err != nil {
		return err
	}
	if report.Lock, err = worker.Lock().Holder(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Store:                 %s\n", report.StoreID)
	fmt.Fprintf(out, "Nodes:                 %d\n", report.Stats.Nodes)
	fmt.Fprintf(out, "Deleted nodes:         %d\n", report.Stats.DeletedNodes)
	fmt.Fprintf(out, "Transactions:          %d\n", report.Stats.Txns)
	fmt.Fprintf(out, "Unused transactions:   %d\n", report.Stats.UnusedTxns)
	if report.OldestDeletedCommitTime > 0 {
		fmt.Fprintf(out, "Oldest deleted commit: %s\n", time.UnixMilli(report.OldestDeletedCommitTime).UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Oldest deleted commit: none")
	}
	if report.Lock != nil {
		fmt.Fprintf(out, "Job lock:              held by %s (run %s) until %s\n", report.Lock.Owner, report.Lock.RunID,
			time.UnixMilli(report.Lock.ExpiresAtMs).UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Job lock:              free")
	}
	return nil
}
