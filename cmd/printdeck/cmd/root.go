// Package cmd implements the CLI commands for printdeck.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/printdeck/printdeck/internal/config"
	"github.com/printdeck/printdeck/internal/observability"
	"github.com/printdeck/printdeck/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "printdeck",
	Short:   "3D printer fleet dashboard gateway",
	Version: version.Short(),
	Long: `printdeck is the gateway daemon behind a 3D printer operator dashboard.

It keeps a persistent state sync channel to the fleet backend, maintains a
shared cache of printer state for UI clients, and manages resilient camera
viewer sessions with automatic reconnect and stall recovery.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags. These are not bound through viper; loadConfig applies
	// them after config.Load so the priority stays
	// CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/printdeck, $HOME/.printdeck)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig loads the configuration and applies CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	return cfg, nil
}

// initLogging builds the process logger from config and installs it as the
// slog default.
func initLogging(cfg *config.Config) *slog.Logger {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	logger = observability.WithApp(logger, "printdeck")
	observability.SetDefault(logger)
	return logger
}

// mustGetString reads a string flag, panicking on a misdeclared flag name.
func mustGetString(flags *pflag.FlagSet, name string) string {
	v, err := flags.GetString(name)
	if err != nil {
		panic(fmt.Sprintf("reading flag %q: %v", name, err))
	}
	return v
}
