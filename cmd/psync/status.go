package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketsync/pocketsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache status",
	Long: `Display the state of the local cache database.

Shows:
  - Cache file location and size
  - Cached collections with row counts
  - Collections holding pending (unsynced) changes
  - Connectivity state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := context.Background()
		dbPath := viper.GetString("db")

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("pocketsync"))
		fmt.Printf("Location: %s\n", dbPath)
		if info, err := os.Stat(dbPath); err == nil {
			fmt.Printf("Size: %s\n", humanSize(info.Size()))
		}

		if client.Online() {
			fmt.Printf("Network: %s\n", ui.RenderPass("online"))
		} else {
			fmt.Printf("Network: %s\n", ui.RenderWarn("offline"))
		}

		services, err := client.Store().Services(ctx)
		if err != nil {
			return err
		}
		pending, err := client.PendingServices(ctx)
		if err != nil {
			return err
		}
		pendingSet := make(map[string]bool, len(pending))
		for _, svc := range pending {
			pendingSet[svc] = true
		}

		fmt.Printf("\nCollections:\n")
		for _, svc := range services {
			count, err := client.Store().CountRows(ctx, svc)
			if err != nil {
				return err
			}
			marker := ""
			if pendingSet[svc] {
				marker = " " + ui.RenderWarn("(pending changes)")
			}
			fmt.Printf("  %-20s %d rows%s\n", svc, count, marker)
		}
		if len(services) == 0 {
			fmt.Printf("  %s\n", ui.RenderDim("(empty)"))
		}
		fmt.Println()
		return nil
	},
}

func humanSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
