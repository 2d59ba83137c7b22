// Package config resolves schemaforge settings from .schemaforge.yaml, .env
// files, SCHEMAFORGE_* environment variables and command-line flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// AppFs is the filesystem config and .env files are read from.
var AppFs = afero.NewOsFs()

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Dialect     string
	Driver      string
	ShadowURL   string

	DefinitionsDir string
	MigrationsDir  string
	ManifestPath   string
	CheckpointsDir string

	LockWait     time.Duration
	LockPoll     time.Duration
	Operator     string
	MetricsFile  string
	LogLevel     string
	LogFormat    string
	ConfigFile   string
	EnvFilesRead []string

	// RequiredVersion is a version constraint the binary must satisfy.
	RequiredVersion string
}

// Overrides maps config keys to flag values. Empty values are ignored.
type Overrides map[string]string

// New returns a viper instance with the schemaforge search paths, defaults
// and environment binding.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetFs(AppFs)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName(".schemaforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(home)
		v.AddConfigPath(filepath.Join(home, ".config", "schemaforge"))
	}

	v.SetEnvPrefix("SCHEMAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", "")
	v.SetDefault("paths.definitions", "definitions")
	v.SetDefault("paths.migrations", "migrations")
	v.SetDefault("paths.manifest", "")
	v.SetDefault("paths.checkpoints", "checkpoints")
	v.SetDefault("lock.wait", "0s")
	v.SetDefault("lock.poll_interval", "500ms")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	return v, nil
}

// LoadConfig loads configuration from the config file, .env files, the
// environment and overrides, in increasing order of priority.
func LoadConfig(configFile string, overrides Overrides) (*Config, error) {
	envFiles, err := loadEnvFiles()
	if err != nil {
		return nil, err
	}

	v, err := New(configFile)
	if err != nil {
		return nil, err
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	for key, value := range overrides {
		if value != "" {
			v.Set(key, value)
		}
	}

	cfg := &Config{
		DatabaseURL:    v.GetString("database.url"),
		Dialect:        v.GetString("database.dialect"),
		Driver:         v.GetString("database.driver"),
		ShadowURL:      v.GetString("database.shadow_url"),
		DefinitionsDir: v.GetString("paths.definitions"),
		MigrationsDir:  v.GetString("paths.migrations"),
		ManifestPath:   v.GetString("paths.manifest"),
		CheckpointsDir: v.GetString("paths.checkpoints"),
		LockWait:       v.GetDuration("lock.wait"),
		LockPoll:       v.GetDuration("lock.poll_interval"),
		Operator:       v.GetString("operator"),
		MetricsFile:    v.GetString("metrics_file"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		ConfigFile:     v.ConfigFileUsed(),
		EnvFilesRead:   envFiles,

		RequiredVersion: v.GetString("required_version"),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	return cfg, nil
}

// loadEnvFiles reads .env (without overriding the environment) and then
// .env.local (overriding it).
func loadEnvFiles() ([]string, error) {
	var read []string
	for _, file := range []struct {
		name     string
		override bool
	}{{".env", false}, {".env.local", true}} {
		f, err := AppFs.Open(file.name)
		if err != nil {
			continue
		}
		vars, err := godotenv.Parse(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		for k, val := range vars {
			if _, set := os.LookupEnv(k); set && !file.override {
				continue
			}
			os.Setenv(k, val)
		}
		read = append(read, file.name)
	}
	return read, nil
}
