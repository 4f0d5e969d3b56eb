// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/windlass-dev/windlass/pkg/config"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Long: `Open the task database, apply any pending schema migrations, and
exit. Serve runs migrations on startup too; migrate exists for deployment
pipelines that migrate before rolling workers.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	store, err := sqlite.NewStore(cmd.Context(), cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	logger.Infof("database %s is up to date", cfg.DatabasePath)
	return nil
}
