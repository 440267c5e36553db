package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketsync/pocketsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending local changes to the server",
	Long: `Drain the pending-change queue.

Each unsynced row is replayed in local creation order: offline deletes as
server deletes, offline creates with their locally generated ids, and
offline edits as updates. Rows that fail stay pending for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := context.Background()
		if !client.Online() {
			return fmt.Errorf("server is not reachable")
		}

		before, err := client.PendingServices(ctx)
		if err != nil {
			return err
		}
		if len(before) == 0 {
			fmt.Printf("%s Nothing pending\n", ui.RenderPass("ok"))
			return nil
		}

		start := time.Now()
		if err := client.Sync(ctx); err != nil {
			return err
		}

		after, err := client.PendingServices(ctx)
		if err != nil {
			return err
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if len(after) == 0 {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("ok"), elapsed)
		} else {
			fmt.Printf("%s Sync finished in %v; still pending: %v\n", ui.RenderWarn("warn"), elapsed, after)
		}
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Remove expired cache contents",
	Long: `Run TTL cleanup across records, cached responses, and file blobs.

Synced rows older than the configured TTL are removed; unsynced local
changes always survive. Without a configured TTL this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.RunMaintenance(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("%s Removed %d records, %d responses, %d files (%d total)\n",
			ui.RenderPass("ok"),
			result.DeletedRecords, result.DeletedResponses, result.DeletedFiles, result.Total())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(maintainCmd)
}
