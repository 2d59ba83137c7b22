package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/ui"
	"github.com/satishbabariya/schemaforge/cli/internal/watch"
	"github.com/satishbabariya/schemaforge/migrate"
	"github.com/satishbabariya/schemaforge/migrate/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare the live database with a schema version",
	Long: `Compare the live database structure with a declared schema version.

The version defaults to the one recorded in history, or the latest declared
version for an untracked database. Exits 1 when any error-severity issue is
found and 2 when the database cannot be reached.

With --watch the comparison re-runs whenever a definition or migration file
changes, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var (
	validateVersion string
	validateJSON    bool
	validateWatch   bool
)

func init() {
	validateCmd.Flags().StringVar(&validateVersion, "version", "", "Schema version to compare against")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Print the result as JSON")
	validateCmd.Flags().BoolVarP(&validateWatch, "watch", "w", false, "Re-validate when definition files change")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if validateWatch {
		return watchValidate(cmd.Context(), engine)
	}

	res, err := engine.Validate(cmd.Context(), validateVersion)
	if err != nil {
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	if err := printValidation(res); err != nil {
		return err
	}
	if !res.OK() {
		return &ExitError{Code: ExitFailure}
	}
	return nil
}

func printValidation(res *validator.Result) error {
	if validateJSON {
		out, err := res.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Out, string(out))
		return nil
	}

	ui.PrintInfo("Validated against %s (%s comparison)", res.Version, res.Mode)
	for _, issue := range res.Issues {
		ui.PrintIssue(string(issue.Severity), string(issue.Kind), issue.Object, issue.Detail)
	}
	switch {
	case !res.OK():
		ui.PrintError("%d error(s), %d warning(s)", len(res.Errors()), len(res.Warnings()))
	case len(res.Warnings()) > 0:
		ui.PrintWarning("Database matches %s with %d warning(s)", res.Version, len(res.Warnings()))
	default:
		ui.PrintSuccess("Database matches %s", res.Version)
	}
	return nil
}

func watchValidate(ctx context.Context, engine *migrate.Engine) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watch.NewWatcher([]string{cfg.DefinitionsDir, cfg.MigrationsDir}, func() error {
		fmt.Fprintf(ui.Out, "\n%s\n", time.Now().Format("15:04:05"))
		res, err := engine.Validate(ctx, validateVersion)
		if err != nil {
			if errors.Is(err, migrate.ErrUnreachable) {
				return err
			}
			ui.PrintError("%v", err)
			return nil
		}
		return printValidation(res)
	})
	if err != nil {
		return exitWith(ExitFailure, err)
	}

	if err := w.Start(); err != nil {
		w.Stop()
		return exitWith(connectionCode(err, ExitFailure), err)
	}
	ui.PrintInfo("Watching %v for changes. Press Ctrl+C to stop.", w.Dirs())

	<-ctx.Done()
	return w.Stop()
}
