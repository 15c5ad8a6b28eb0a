// Package cli implements the school-finance operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dvloznov/school-finance/internal/app"
	"github.com/dvloznov/school-finance/internal/config"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "school-finance",
	Short: "Operate the school finance ledger",
	Long: `Operator commands for the school finance ledger: monthly charge
generation, cash-flow reports, invoice reconciliation, and the warehouse
and Notion mirrors.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SCHOOL_FINANCE_CONFIG"), "Path to the TOML config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openApp loads the config, builds a logger on stderr and wires the
// services. The returned context carries the logger.
func openApp(cmd *cobra.Command) (context.Context, *app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	ctx := logger.WithContext(cmd.Context(), log)
	return ctx, a, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
