package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchforge/pcf/internal/profiles"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply subscriber repository migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		if cfg.Postgres.Pool.DSN == "" {
			return errors.New("postgres.pool.dsn required")
		}
		if err := profiles.Migrate(cmd.Context(), cfg.Postgres.Pool.DSN); err != nil {
			logger.Error("migration failed", zap.Error(err))
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}
