package cli

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/cashflow"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/spf13/cobra"
)

// ─── cashflow ───────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(cashflowCmd)
	cashflowCmd.Flags().String("start", "", "First day of the window, YYYY-MM-DD (default: first day of this month)")
	cashflowCmd.Flags().String("end", "", "Last day of the window, YYYY-MM-DD (default: last day of this month)")
	cashflowCmd.Flags().String("source", "sqlite", "Where to read transactions from: sqlite or warehouse")
	cashflowCmd.Flags().Bool("archive", false, "Store a JSON snapshot of the report in the archive bucket")
}

var cashflowCmd = &cobra.Command{
	Use:   "cashflow",
	Short: "Print the cash-flow report of a date window",
	Long: `Print receivables, payables, net flow, daily and monthly series, overdue
and recent transactions for a window as JSON. With --source warehouse the
report is built from the latest BigQuery snapshot instead of the live store.`,
	RunE: runCashflow,
}

func runCashflow(cmd *cobra.Command, args []string) error {
	ctx, a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	window, err := windowFlags(cmd, a.Clock.Today())
	if err != nil {
		return err
	}

	svc := a.CashFlow
	source, _ := cmd.Flags().GetString("source")
	switch source {
	case "sqlite":
	case "warehouse":
		wh, err := a.Warehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close()
		svc = cashflow.NewService(wh, a.Clock, a.Config.CashFlow.RecentLimit)
	default:
		return fmt.Errorf("unknown --source %q (want sqlite or warehouse)", source)
	}

	report, err := svc.CashFlow(ctx, window)
	if err != nil {
		return err
	}

	if archive, _ := cmd.Flags().GetBool("archive"); archive {
		archiver, closeStore, err := a.Archiver(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		uri, err := archiver.SaveCashFlow(ctx, report, a.Clock.Time())
		if err != nil {
			return err
		}
		log := logger.FromContext(ctx)
		log.Info().Str("uri", uri).Msg("Report archived")
	}

	return writeJSON(cmd.OutOrStdout(), report)
}

// windowFlags reads --start and --end, defaulting to the month of today.
func windowFlags(cmd *cobra.Command, today civil.Date) (cashflow.Window, error) {
	first := civil.Date{Year: today.Year, Month: today.Month, Day: 1}
	w := cashflow.Window{
		Start: first,
		End:   civil.DateOf(time.Date(today.Year, today.Month+1, 0, 0, 0, 0, 0, time.UTC)),
	}

	if s, _ := cmd.Flags().GetString("start"); s != "" {
		d, err := civil.ParseDate(s)
		if err != nil {
			return cashflow.Window{}, fmt.Errorf("invalid --start %q: %w", s, err)
		}
		w.Start = d
	}
	if s, _ := cmd.Flags().GetString("end"); s != "" {
		d, err := civil.ParseDate(s)
		if err != nil {
			return cashflow.Window{}, fmt.Errorf("invalid --end %q: %w", s, err)
		}
		w.End = d
	}
	return w, nil
}
