// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the windlassd daemon.
package main

import (
	"os"

	"github.com/windlass-dev/windlass/cmd/windlassd/app"
	"github.com/windlass-dev/windlass/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
