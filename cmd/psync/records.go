package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocketsync/pocketsync"
	"github.com/pocketsync/pocketsync/internal/ui"
)

var (
	listFilter string
	listSort   string
	listExpand string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List records in a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		records, err := client.Collection(args[0]).GetFullList(context.Background(), &pocketsync.ListOptions{
			Filter: listFilter,
			Sort:   listSort,
			Expand: listExpand,
		})
		if err != nil {
			return err
		}

		shown := len(records)
		if listLimit > 0 && listLimit < shown {
			shown = listLimit
		}
		for _, rec := range records[:shown] {
			line, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		}
		if shown < len(records) {
			fmt.Println(ui.RenderDim(fmt.Sprintf("... %d more", len(records)-shown)))
		}
		return nil
	},
}

var getExpand string

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Read one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		rec, err := client.Collection(args[0]).GetOne(context.Background(), args[1],
			&pocketsync.GetOptions{Expand: getExpand})
		if err != nil {
			return err
		}

		pretty, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
		return nil
	},
}

var createData string

var createCmd = &cobra.Command{
	Use:   "create <collection>",
	Short: "Create a record",
	Long: `Create a record from a JSON body.

The write uses the configured request policy: with the default
cacheAndNetwork it succeeds even while offline, leaving a pending row that
'psync sync' replays later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body pocketsync.Record
		if err := json.Unmarshal([]byte(createData), &body); err != nil {
			return fmt.Errorf("invalid --data JSON: %w", err)
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		rec, err := client.Collection(args[0]).Create(context.Background(), body, nil)
		if err != nil {
			return err
		}

		state := ui.RenderPass("synced")
		if !rec.Synced() {
			state = ui.RenderWarn("pending")
		}
		fmt.Printf("%s Created %s/%s (%s)\n", ui.RenderPass("ok"), args[0], rec.ID(), state)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listFilter, "filter", "", "filter expression")
	listCmd.Flags().StringVar(&listSort, "sort", "", "sort expression, e.g. -created")
	listCmd.Flags().StringVar(&listExpand, "expand", "", "relations to expand")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "print at most N records")
	getCmd.Flags().StringVar(&getExpand, "expand", "", "relations to expand")
	createCmd.Flags().StringVar(&createData, "data", "{}", "record body as JSON")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(createCmd)
}
