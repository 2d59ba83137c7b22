package commands

import (
	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear a migration lock left by a process that exited",
	Long: `Clear the lock record a killed migrate run left behind on a SQLite
database. A lock held by a running process is never broken.

PostgreSQL and MySQL advisory locks end with the session that took them,
so there is nothing to clear there.`,
	Args: cobra.NoArgs,
	RunE: runUnlock,
}

var unlockYes bool

func init() {
	unlockCmd.Flags().BoolVarP(&unlockYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := confirm(unlockYes, "Clear the migration lock on %s?", engine.Dialect()); err != nil {
		return exitWith(ExitFailure, err)
	}
	previous, err := engine.Unlock(cmd.Context())
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	if previous == "" {
		ui.PrintInfo("No lock record to clear")
		return nil
	}
	ui.PrintSuccess("Cleared lock held by %s", previous)
	return nil
}
