package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version and pending migrations",
	Long: `Show the version recorded in the history table, the latest declared
version, the scripts a migrate run would apply and anything blocking it.
Definition errors are reported but do not change the exit code.

Exits 2 when the database cannot be reached.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	st, err := engine.Status(cmd.Context())
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}

	ui.PrintHeader("schemaforge", "Status")
	ui.PrintKeyValues([][2]string{
		{"Database", fmt.Sprintf("%s (%s)", st.Database, st.Dialect)},
		{"Current version", orNone(st.Current)},
		{"Latest version", orNone(st.Latest)},
		{"History entries", fmt.Sprint(st.Entries)},
		{"Pending", fmt.Sprint(st.PendingCount())},
	})

	if st.CatalogError != nil {
		ui.PrintError("Cannot load definitions: %v", st.CatalogError)
		return nil
	}

	if st.Blocked || st.Interrupted {
		detail := "a previous run did not finish"
		if st.Cause != nil {
			detail = fmt.Sprintf("%s %s -> %s at %s by %s: %s", st.Cause.Outcome, orNone(st.Cause.FromVersion),
				st.Cause.Version, st.Cause.AppliedAt.Format("2006-01-02 15:04:05"), st.Cause.Operator, st.Cause.Detail)
		}
		ui.PrintBox("Migrations are blocked", detail+"\nRepair the database, then run `schemaforge acknowledge --version X`.")
	}

	if len(st.Mismatches) > 0 {
		ui.PrintSection("Modified scripts")
		for _, m := range st.Mismatches {
			ui.PrintWarning("%s: recorded %s in %s, now %s", m.Script, short(m.Expected), m.Source, short(m.Actual))
		}
	}

	switch {
	case st.PlanError != nil:
		ui.PrintWarning("Cannot plan to %s: %v", st.Latest, st.PlanError)
	case st.Pending != nil && !st.Pending.Empty():
		ui.PrintSection("Pending")
		if st.Pending.Install != nil {
			ui.PrintList([]string{fmt.Sprintf("install %s (%d statements)", st.Pending.Install, len(st.Pending.Install.Statements()))})
		}
		items := make([]string, 0, len(st.Pending.Scripts))
		for _, s := range st.Pending.Scripts {
			items = append(items, fmt.Sprintf("%s (%d steps)", s.ID, len(s.Steps)))
		}
		ui.PrintList(items)
	}

	if st.UpToDate() {
		ui.PrintSuccess("Database is up to date")
	}
	return nil
}

func short(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
