package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
)

var createMigrationCmd = &cobra.Command{
	Use:   "create-migration <from> <to>",
	Short: "Scaffold a migration script between two adjacent versions",
	Long: `Scaffold an empty migration script between two adjacent declared versions.

Edit the generated steps, then run create-migration --finalize to record the
checksum of every script into the manifest. Checksums of scripts already
applied to the configured database are never rewritten.`,
	Example: `  schemaforge create-migration 2.2.0 2.3.0
  schemaforge create-migration --finalize`,
	Args: cobra.RangeArgs(0, 2),
	RunE: runCreateMigration,
}

var createMigrationFinalize bool

func init() {
	createMigrationCmd.Flags().BoolVar(&createMigrationFinalize, "finalize", false, "Record script checksums into the manifest")

	rootCmd.AddCommand(createMigrationCmd)
}

func runCreateMigration(cmd *cobra.Command, args []string) error {
	if !createMigrationFinalize && len(args) != 2 {
		return exitWith(ExitFailure, errors.New("create-migration needs <from> and <to> versions"))
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if createMigrationFinalize {
		changed, err := engine.Finalize(cmd.Context())
		if err != nil {
			return exitWith(ExitFailure, err)
		}
		if len(changed) == 0 {
			ui.PrintInfo("Manifest is up to date")
			return nil
		}
		ui.PrintSuccess("Recorded %d checksum(s)", len(changed))
		ui.PrintList(changed)
		return nil
	}

	path, err := engine.CreateMigration(args[0], args[1])
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	ui.PrintSuccess("Created %s", path)
	ui.PrintInfo("Fill in the steps, then run `schemaforge create-migration --finalize`")
	return nil
}
