package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/spf13/cobra"
)

// ─── refresh-invoices ───────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(refreshInvoicesCmd)
	rootCmd.AddCommand(importPeopleCmd)
}

var refreshInvoicesCmd = &cobra.Command{
	Use:   "refresh-invoices",
	Short: "Re-read every open provider invoice and settle the paid ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Reconciler == nil {
			return fmt.Errorf("refresh-invoices needs a Cora token (cora.token or CORA_API_TOKEN)")
		}

		sum, err := a.Reconciler.RefreshOpen(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %d, newly paid %d, failed %d\n", sum.Checked, sum.Paid, sum.Failed)
		return nil
	},
}

// ─── import-people ──────────────────────────────────────────────────────────

// peopleFile is the export format of the enrollment and HR systems.
type peopleFile struct {
	Students []domain.Student `json:"students"`
	Teachers []domain.Teacher `json:"teachers"`
}

var importPeopleCmd = &cobra.Command{
	Use:   "import-people FILE",
	Short: "Load students and teachers from a JSON export",
	Long: `Upsert the students and teachers of a JSON file of the form
{"students": [...], "teachers": [...]} into the directory tables. Records
missing from the file are left as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read people file: %w", err)
		}
		var file peopleFile
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse people file: %w", err)
		}

		ctx, a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, s := range file.Students {
			if s.ID == "" {
				return fmt.Errorf("student %q has no id", s.Name)
			}
			if err := a.DB.UpsertStudent(ctx, s); err != nil {
				return err
			}
		}
		for _, t := range file.Teachers {
			if t.ID == "" {
				return fmt.Errorf("teacher %q has no id", t.Name)
			}
			if err := a.DB.UpsertTeacher(ctx, t); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d students and %d teachers\n", len(file.Students), len(file.Teachers))
		return nil
	},
}
