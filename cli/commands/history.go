package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the migration history table",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n entries")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print entries as JSON")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	entries, err := engine.History(cmd.Context())
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	if historyLimit > 0 && len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}

	if historyJSON {
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return exitWith(ExitFailure, err)
		}
		fmt.Fprintln(ui.Out, string(out))
		return nil
	}
	if len(entries) == 0 {
		ui.PrintInfo("No history recorded")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			fmt.Sprint(e.ID),
			e.AppliedAt.Local().Format("2006-01-02 15:04:05"),
			orNone(e.FromVersion),
			e.Version,
			string(e.Outcome),
			e.Script,
			e.Operator,
			e.Detail,
		})
	}
	return ui.PrintTable([]string{"ID", "Applied", "From", "To", "Outcome", "Script", "Operator", "Detail"}, rows)
}
