// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the windlassd daemon.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/registry"
)

// Registrar installs task definitions before the worker pool starts.
// Embedding binaries set it to register their handlers; the stock daemon
// serves an empty registry and only drains already-terminal queue entries.
var Registrar func(*registry.Registry) error

var rootCmd = &cobra.Command{
	Use:               "windlassd",
	DisableAutoGenTag: true,
	Short:             "windlassd is a durable workflow orchestration daemon",
	Long: `windlassd executes tasks composed of a DAG of steps with per-step retry
and backoff, dependency-driven scheduling, and a durable SQLite-backed audit
trail. Progress survives restarts: interrupted tasks resume from their
persisted state.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the windlassd daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to a windlassd YAML config file")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Failed to bind debug flag: %v", err)
	}
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Failed to bind config flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)

	return rootCmd
}
