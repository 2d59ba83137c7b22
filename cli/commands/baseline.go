package commands

import (
	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Adopt an existing database at a declared version",
	Long: `Record that an untracked database is already at a declared version.

The live structure is validated against that version first unless
--skip-validation is given. Refused when the database already has history.`,
	Args: cobra.NoArgs,
	RunE: runBaseline,
}

var acknowledgeCmd = &cobra.Command{
	Use:   "acknowledge",
	Short: "Clear a failed_partial or interrupted state after a manual repair",
	Long: `Record that an operator repaired the database by hand after a failed
rollback or an interrupted run, and that it is now at the given version.
Migrations are refused until this is done.`,
	Args: cobra.NoArgs,
	RunE: runAcknowledge,
}

var (
	adminVersion      string
	adminYes          bool
	adminWait         int
	baselineSkipValid bool
	acknowledgeDetail string
)

func init() {
	for _, c := range []*cobra.Command{baselineCmd, acknowledgeCmd} {
		c.Flags().StringVar(&adminVersion, "version", "", "Version the database is at")
		c.Flags().BoolVarP(&adminYes, "yes", "y", false, "Do not ask for confirmation")
		c.Flags().IntVar(&adminWait, "wait", 0, "Seconds to wait for the migration lock")
		c.MarkFlagRequired("version")
	}
	baselineCmd.Flags().BoolVar(&baselineSkipValid, "skip-validation", false, "Adopt without comparing the structure")
	acknowledgeCmd.Flags().StringVarP(&acknowledgeDetail, "message", "m", "", "Note stored with the history entry")

	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(acknowledgeCmd)
}

func runBaseline(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := confirm(adminYes, "Record %s as being at version %s?", engine.Dialect(), adminVersion); err != nil {
		return exitWith(ExitFailure, err)
	}
	err = engine.Baseline(cmd.Context(), adminVersion, baselineSkipValid, waitFlag(adminWait, cmd.Flags().Changed("wait")))
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	ui.PrintSuccess("Database baselined at %s", adminVersion)
	return nil
}

func runAcknowledge(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := confirm(adminYes, "Confirm the database was repaired and is at version %s?", adminVersion); err != nil {
		return exitWith(ExitFailure, err)
	}
	err = engine.Acknowledge(cmd.Context(), adminVersion, acknowledgeDetail, waitFlag(adminWait, cmd.Flags().Changed("wait")))
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	ui.PrintSuccess("Acknowledged: database is at %s", adminVersion)
	return nil
}
