package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Capture the live database structure",
	Long: `Capture the live database structure (tables, indexes and views) into a
checkpoint file. Checkpoints hold structure only, never row data.

Exits 2 when the database cannot be reached and 1 when the checkpoint
could not be written.`,
	Args: cobra.NoArgs,
	RunE: runCheckpoint,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Return the database structure to a checkpoint",
	Long: `Return the database structure to a checkpoint by dropping and recreating
the objects that differ. Rows in recreated tables are lost.

The id may be any unique prefix of a checkpoint id.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointRestore,
}

var (
	checkpointLabel string
	checkpointMeta  []string

	restoreYes  bool
	restoreWait int
)

func init() {
	checkpointCmd.Flags().StringVarP(&checkpointLabel, "label", "l", "", "Label stored with the checkpoint")
	checkpointCmd.Flags().StringArrayVar(&checkpointMeta, "meta", nil, "Metadata as key=value (repeatable)")

	checkpointRestoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Do not ask for confirmation")
	checkpointRestoreCmd.Flags().IntVar(&restoreWait, "wait", 0, "Seconds to wait for the migration lock")

	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	meta, err := parseMeta(checkpointMeta)
	if err != nil {
		return exitWith(ExitFailure, err)
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	cp, err := engine.Checkpoint(cmd.Context(), checkpointLabel, meta)
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}

	tables, indexes, views := cp.Counts()
	ui.PrintSuccess("Checkpoint %s created", cp.ID)
	ui.PrintKeyValues([][2]string{
		{"Version", orNone(cp.Version)},
		{"Objects", fmt.Sprintf("%d tables, %d indexes, %d views", tables, indexes, views)},
		{"Checksum", short(cp.StructureChecksum)},
		{"File", cp.Path},
	})
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	cps, err := engine.Checkpoints()
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	if len(cps) == 0 {
		ui.PrintInfo("No checkpoints in %s", cfg.CheckpointsDir)
		return nil
	}

	rows := make([][]string, 0, len(cps))
	for _, cp := range cps {
		tables, indexes, views := cp.Counts()
		rows = append(rows, []string{
			cp.ID,
			cp.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			orNone(cp.Version),
			cp.Dialect,
			fmt.Sprintf("%d/%d/%d", tables, indexes, views),
			cp.Label,
		})
	}
	return ui.PrintTable([]string{"ID", "Created", "Version", "Dialect", "Tables/Indexes/Views", "Label"}, rows)
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	cp, err := engine.LoadCheckpoint(args[0])
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	if err := confirm(restoreYes, "Restore %s to checkpoint %s (version %s)? Rows in recreated tables are lost",
		engine.Dialect(), cp.ID, orNone(cp.Version)); err != nil {
		return exitWith(ExitFailure, err)
	}

	plan, err := engine.Restore(cmd.Context(), cp.ID, waitFlag(restoreWait, cmd.Flags().Changed("wait")))
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	if plan.Empty() {
		ui.PrintSuccess("Database already matches checkpoint %s", cp.ID)
		return nil
	}

	actions := plan.Actions()
	for i, a := range actions {
		ui.PrintStep(i+1, len(actions), a.String())
	}
	ui.PrintSuccess("Restored checkpoint %s", cp.ID)
	return nil
}
