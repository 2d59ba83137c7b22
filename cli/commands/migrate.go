package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
	"github.com/satishbabariya/schemaforge/migrate"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/executor"
	"github.com/satishbabariya/schemaforge/migrate/planner"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move the database to a schema version",
	Long: `Move the database to a schema version, the latest declared one by default.

Scripts run in order under the migration lock. A failed step is rolled back;
when the rollback itself fails the run ends in failed_partial, the command
exits 3 and further runs are refused until the state is acknowledged.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

var (
	migrateVersion        string
	migrateDryRun         bool
	migrateWait           int
	migrateAllowMismatch  bool
	migrateSkipValidation bool
)

func init() {
	migrateCmd.Flags().StringVar(&migrateVersion, "version", "", "Target version (default: latest)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Print the plan without touching the database")
	migrateCmd.Flags().IntVar(&migrateWait, "wait", 0, "Seconds to wait for the migration lock")
	migrateCmd.Flags().BoolVar(&migrateAllowMismatch, "allow-checksum-mismatch", false, "Run even if applied scripts were modified")
	migrateCmd.Flags().BoolVar(&migrateSkipValidation, "skip-validation", false, "Skip post-migration structure validation")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.Migrate(cmd.Context(), migrate.MigrateOptions{
		Target:                migrateVersion,
		DryRun:                migrateDryRun,
		Wait:                  waitFlag(migrateWait, cmd.Flags().Changed("wait")),
		AllowChecksumMismatch: migrateAllowMismatch,
		SkipValidation:        migrateSkipValidation,
	})
	if res != nil && res.Plan != nil {
		printPlan(res.Plan)
	}
	if err != nil {
		if res != nil && len(res.Trail) > 0 {
			ui.PrintInfo("States: %s", trail(res.Trail))
		}
		return exitWith(migrateExitCode(res, err), err)
	}

	switch {
	case migrateDryRun:
		ui.PrintInfo("Dry run: nothing was applied")
	case len(res.Applied) == 0:
		ui.PrintSuccess("Already at %s", orNone(res.Reached))
	default:
		ui.PrintSuccess("Migrated %s -> %s in %s (%d script(s))", orNone(res.Start), res.Reached,
			res.Duration.Round(time.Millisecond), len(res.Applied))
	}
	if len(res.Mismatches) > 0 {
		ui.PrintWarning("%d modified script(s) were accepted with --allow-checksum-mismatch", len(res.Mismatches))
	}
	return nil
}

// migrateExitCode returns 3 for failed_partial, 2 for an unreachable
// database and 1 for everything else.
func migrateExitCode(res *executor.Result, err error) int {
	if (res != nil && res.State == executor.FailedPartial) || errdefs.KindOf(err) == errdefs.KindRollbackFailure {
		return ExitPartial
	}
	return connectionCode(err, ExitFailure)
}

func printPlan(p *planner.Plan) {
	if p.Empty() {
		return
	}
	ui.PrintSection(fmt.Sprintf("Plan %s (%s, %d steps)", p.Pair(), p.Direction, p.Steps()))
	n := 0
	total := len(p.Scripts)
	if p.Install != nil {
		total++
		n++
		ui.PrintStep(n, total, fmt.Sprintf("install %s", p.Install))
	}
	for _, s := range p.Scripts {
		n++
		ui.PrintStep(n, total, fmt.Sprintf("%s (%d steps)", s.ID, len(s.Steps)))
	}
}

func trail(states []executor.State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}
