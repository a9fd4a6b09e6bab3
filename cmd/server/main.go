package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchforge/pcf/internal/config"
	"github.com/searchforge/pcf/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pcf",
	Short: "Policy control function",
	Long: `pcf decides QoS, charging and quota treatment for subscriber sessions.

Examples:
  pcf serve --config pcf.yaml
  pcf migrate --config pcf.yaml`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (PCF_ environment variables override it)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every command.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, logger.With(zap.String("env", cfg.App.Env)), nil
}
