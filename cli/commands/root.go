// Package commands implements the schemaforge command line.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/schemaforge/cli/internal/config"
	"github.com/satishbabariya/schemaforge/cli/internal/ui"
	"github.com/satishbabariya/schemaforge/cli/internal/version"
	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUnreachable = 2
	ExitPartial     = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitWith wraps err with code. A nil err stays nil.
func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

var (
	configFile  string
	databaseURL string
	dialectName string
	driverName  string
	logLevel    string
	logFormat   string
	noColor     bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "schemaforge",
	Short: "Declarative schema versioning and migration",
	Long: `schemaforge keeps a database in step with versioned schema definitions.

Definitions live in YAML files, one per version. Migration scripts move the
database between adjacent versions, every run is recorded in a history table
and a database-level lock keeps concurrent runs apart.`,
	Version:           version.Get().Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default .schemaforge.yaml)")
	flags.StringVar(&databaseURL, "database-url", "", "Database URL")
	flags.StringVar(&dialectName, "dialect", "", "Database dialect (sqlite, postgres, mysql)")
	flags.StringVar(&driverName, "driver", "", "database/sql driver name")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if noColor {
		ui.DisableColor()
	}

	var err error
	cfg, err = config.LoadConfig(configFile, config.Overrides{
		"database.url":     databaseURL,
		"database.dialect": dialectName,
		"database.driver":  driverName,
		"log.level":        logLevel,
		"log.format":       logFormat,
	})
	if err != nil {
		return exitWith(ExitFailure, fmt.Errorf("failed to load config: %w", err))
	}

	debug.Init(debug.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	debug.Debug("Loaded configuration", "file", cfg.ConfigFile, "env_files", cfg.EnvFilesRead, "dialect", cfg.Dialect)

	if err := version.Get().Satisfies(cfg.RequiredVersion); err != nil {
		return exitWith(ExitFailure, err)
	}
	return nil
}

// newEngine builds the engine from the loaded configuration.
func newEngine() (*migrate.Engine, error) {
	e, err := migrate.NewEngine(migrate.Config{
		FS:             config.AppFs,
		DatabaseURL:    cfg.DatabaseURL,
		Dialect:        cfg.Dialect,
		Driver:         cfg.Driver,
		ShadowURL:      cfg.ShadowURL,
		DefinitionsDir: cfg.DefinitionsDir,
		MigrationsDir:  cfg.MigrationsDir,
		ManifestPath:   cfg.ManifestPath,
		CheckpointsDir: cfg.CheckpointsDir,
		LockWait:       cfg.LockWait,
		LockPoll:       cfg.LockPoll,
		Operator:       cfg.Operator,
		MetricsFile:    cfg.MetricsFile,
		Logger:         debug.Logger(),
	})
	if err != nil {
		return nil, exitWith(ExitFailure, err)
	}
	return e, nil
}

// connectionCode maps unreachable databases to exit code 2 and everything
// else to fallback.
func connectionCode(err error, fallback int) int {
	if errors.Is(err, migrate.ErrUnreachable) {
		return ExitUnreachable
	}
	return fallback
}

// ExitCode returns the process exit code for an error returned by a command.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return connectionCode(err, ExitFailure)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return run(os.Args[1:])
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err != nil {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || exitErr.Err != nil {
			ui.PrintError("%v", err)
		}
	}
	return ExitCode(err)
}
