package cli

import (
	"fmt"
	"time"

	"github.com/dvloznov/school-finance/internal/bulk"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// ─── bulk ───────────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(bulkCmd)
	bulkCmd.AddCommand(bulkTuitionsCmd)
	bulkCmd.AddCommand(bulkSalariesCmd)

	for _, c := range []*cobra.Command{bulkTuitionsCmd, bulkSalariesCmd} {
		c.Flags().Int("month", 0, "Month to charge (1-12, default: current month)")
		c.Flags().Int("year", 0, "Year to charge (default: current year)")
		c.Flags().Bool("invoices", false, "Issue a provider invoice for every created transaction")
	}
	bulkTuitionsCmd.Flags().String("amount", "", "Tuition amount charged to every active student")
	_ = bulkTuitionsCmd.MarkFlagRequired("amount")
}

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Generate monthly charges",
	Long: `Generate the monthly tuition or salary transactions for a billing period.
Re-running a period only creates what is still missing.`,
}

var bulkTuitionsCmd = &cobra.Command{
	Use:   "tuitions",
	Short: "Charge every active student",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("amount")
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid --amount %q: %w", raw, err)
		}
		return runBulk(cmd, domain.TypeTuition, amount)
	},
}

var bulkSalariesCmd = &cobra.Command{
	Use:   "salaries",
	Short: "Pay every active teacher their configured salary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, domain.TypeSalary, decimal.Zero)
	},
}

func runBulk(cmd *cobra.Command, t domain.TransactionType, amount decimal.Decimal) error {
	ctx, a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	month, _ := cmd.Flags().GetInt("month")
	year, _ := cmd.Flags().GetInt("year")
	withInvoices, _ := cmd.Flags().GetBool("invoices")

	today := a.Clock.Today()
	if month == 0 {
		month = int(today.Month)
	}
	if year == 0 {
		year = today.Year
	}
	if withInvoices && a.Reconciler == nil {
		return fmt.Errorf("--invoices needs a Cora token (cora.token or CORA_API_TOKEN)")
	}

	res, err := a.Bulk.Run(ctx, bulk.Request{
		Type:             t,
		Month:            time.Month(month),
		Year:             year,
		Amount:           amount,
		GenerateInvoices: withInvoices,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s: %s\n", t, res.Period, res.Summary)
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", s.ReferenceID, s.Reason)
	}
	for _, r := range res.Results {
		if !r.Success {
			fmt.Fprintf(out, "  invoice failed for %s: %s\n", r.ID, r.Error)
		}
	}
	return nil
}
