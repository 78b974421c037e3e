package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loam-io/loam/internal/config"
	"github.com/loam-io/loam/internal/logging"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loamd",
	Short: "loamd purges deleted nodes and unused transactions from a content store",
	Long: `loamd is the garbage collection worker for a versioned content store.
It walks commit time in adaptive windows, deleting nodes that were deleted
long enough ago and the transactions they leave unused.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML configuration file (default: $LOAM_CONFIG)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(seedCmd)
}

// loadConfig reads --config, or $LOAM_CONFIG, or the defaults.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the global logger from cfg.
func setupLogger(cmd *cobra.Command, cfg *config.Config) *logging.Logger {
	return logging.ConfigureTo(cmd.ErrOrStderr(), cfg.Observability.LogLevel, cfg.Observability.LogFormat)
}
