package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-messenger/internal/config"
	"github.com/pelusa-v/pelusa-messenger/internal/logger"
	"github.com/pelusa-v/pelusa-messenger/internal/store/postgres"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Brings the DATABASE_URL schema up to date. Safe to run repeatedly.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		return postgres.Migrate(cfg.DatabaseURL, logger.New(cfg, "messenger"))
	},
}
