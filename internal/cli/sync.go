package cli

import (
	"fmt"

	"github.com/dvloznov/school-finance/internal/notionsync"
	"github.com/spf13/cobra"
)

// ─── export-warehouse ───────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(exportWarehouseCmd)
	rootCmd.AddCommand(syncNotionCmd)
	rootCmd.AddCommand(migrateCmd)

	syncNotionCmd.Flags().Bool("dry-run", false, "Log what would change without writing to Notion")
	migrateCmd.Flags().Bool("warehouse", false, "Also create the BigQuery transactions table")
}

var exportWarehouseCmd = &cobra.Command{
	Use:   "export-warehouse",
	Short: "Append a snapshot of every transaction to BigQuery",
	Long: `Append the current state of every transaction to the warehouse table.
Readers always pick the latest snapshot per transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		txs, err := a.DB.ListAll(ctx)
		if err != nil {
			return err
		}

		wh, err := a.Warehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close()

		n, err := wh.Export(ctx, txs, a.Clock.Today(), a.Clock.Time())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d transactions to %s.%s\n", n, a.Config.Warehouse.Project, a.Config.Warehouse.Dataset)
		return nil
	},
}

// ─── sync-notion ────────────────────────────────────────────────────────────

var syncNotionCmd = &cobra.Command{
	Use:   "sync-notion",
	Short: "Mirror every transaction into the Notion finance board",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Config.Notion.Token == "" || a.Config.Notion.DatabaseID == "" {
			return fmt.Errorf("notion token and database id are required (NOTION_TOKEN, NOTION_DATABASE_ID)")
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		client := notionsync.NewNotionClient(a.Config.Notion.Token)
		res, err := notionsync.SyncTransactions(ctx, a.DB, client, a.Config.Notion.DatabaseID, a.Clock.Today(), dryRun)
		if err != nil {
			return err
		}

		prefix := ""
		if dryRun {
			prefix = "[DRY RUN] "
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%screated %d, updated %d, archived %d, unchanged %d, failed %d\n",
			prefix, res.Created, res.Updated, res.Archived, res.Skipped, res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d Notion pages failed to sync", res.Failed)
		}
		return nil
	},
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Long: `Apply the SQLite migrations. Opening the database already does this;
the command exists so deployments can run it as a separate step. With
--warehouse the BigQuery table is created too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "SQLite schema up to date at %s\n", a.Config.Database.Path)

		if warehouse, _ := cmd.Flags().GetBool("warehouse"); warehouse {
			wh, err := a.Warehouse(ctx)
			if err != nil {
				return err
			}
			defer wh.Close()
			if err := wh.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "BigQuery table ready in %s.%s\n", a.Config.Warehouse.Project, a.Config.Warehouse.Dataset)
		}
		return nil
	},
}
