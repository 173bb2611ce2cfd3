// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	listenAddr string

	rootCmd = &cobra.Command{
		Use:   "arbiter",
		Short: "Centralized scoring arbiter for revealed submissions",
		Long: `The arbiter collects submission snapshots from trusted sources,
reconciles them into one canonical state, and dispatches newly revealed
work to per-category scoring engines on a fixed cadence.`,
	}

	// --- Service ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the arbiter service",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Utilities ---
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the arbiter version",
		Run:   runVersion, // Defined in cmd_utils.go
	}

	categoriesCmd = &cobra.Command{
		Use:   "categories",
		Short: "List the categories enabled by the configured registry",
		Run:   runCategories, // Defined in cmd_utils.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the arbiter config file (created with defaults when missing)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "",
		"Override the configured listen address (e.g. :9300)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(categoriesCmd)
}
