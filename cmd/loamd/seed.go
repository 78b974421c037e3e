package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loam-io/loam/internal/nodes"
)

var (
	seedNodes       int
	seedDeleteEvery int
	seedAgeDays     int
)

// seedCmd writes fixture nodes, some of them deleted, for trying out a purge.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write fixture nodes and deletions into the content store",
	Long: `Write fixture data: --nodes nodes are created in one transaction and every
--delete-every-th of them is deleted in a second one. Both transactions are
backdated by --age-days so a purge with a smaller minimum age picks them up.`,
	RunE: seedHandler,
}

func init() {
	seedCmd.Flags().IntVar(&seedNodes, "nodes", 100, "Number of nodes to create")
	seedCmd.Flags().IntVar(&seedDeleteEvery, "delete-every", 2, "Delete every n-th created node (0 deletes none)")
	seedCmd.Flags().IntVar(&seedAgeDays, "age-days", 30, "Backdate the commits by this many days")
}

func seedHandler(cmd *cobra.Command, args []string) error {
	if seedNodes < 0 || seedDeleteEvery < 0 || seedAgeDays < 0 {
		return fmt.Errorf("seed flags must not be negative")
	}
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

	commitTime := time.Now().Add(-time.Duration(seedAgeDays) * 24 * time.Hour)
	store, err := nodes.New(worker.meta, cfg.Metadata.StoreID, nodes.WithClock(func() time.Time { return commitTime }))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	create, err := store.BeginTxn(ctx)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, seedNodes)
	for i := 0; i < seedNodes; i++ {
		node, err := store.CreateNode(ctx, create, "", map[string][]byte{"name": []byte("seed-" + strconv.Itoa(i))})
		if err != nil {
			return err
		}
		ids = append(ids, node.ID)
	}

	deleted := 0
	if seedDeleteEvery > 0 && len(ids) > 0 {
		commitTime = commitTime.Add(time.Second)
		del, err := store.BeginTxn(ctx)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if (i+1)%seedDeleteEvery != 0 {
				continue
			}
			if _, err := store.DeleteNode(ctx, del, id); err != nil {
				return err
			}
			deleted++
		}
	}

	logger.Infof("seeded content store", map[string]any{"created": len(ids), "deleted": deleted, "storeId": cfg.Metadata.StoreID})
	fmt.Fprintf(cmd.OutOrStdout(), "Created %d nodes, deleted %d, committed at %s\n",
		len(ids), deleted, commitTime.UTC().Format(time.RFC3339))
	return nil
}
