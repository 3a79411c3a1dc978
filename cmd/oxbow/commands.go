// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	outputDir  string
	projectID  string
	watchMode  bool
	maxAge     string

	rootCmd = &cobra.Command{
		Use:   "oxbow",
		Short: "A cli to translate C/C++ projects to Rust",
		Long: `Oxbow analyzes a C/C++ source tree, derives a dependency-safe
				translation order, and translates each file to Rust with
				compile-verify-fix feedback. Progress is durable: interrupted
				runs resume where they left off.`,
	}

	translateCmd = &cobra.Command{
		Use:   "translate [project path]",
		Short: "Translate a C/C++ project to Rust",
		Args:  cobra.ExactArgs(1),
		RunE:  runTranslate, // Defined in cmd_translate.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show translation state and project progress",
		RunE:  runStatus, // Defined in cmd_status.go
	}

	pauseCmd = &cobra.Command{
		Use:   "pause",
		Short: "Snapshot the latest session so it can be resumed later",
		RunE:  runPause, // Defined in cmd_translate.go
	}

	resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Resume translation from the most recent snapshot",
		RunE:  runResume, // Defined in cmd_translate.go
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove state records older than the retention window",
		RunE:  runCleanup, // Defined in cmd_status.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "oxbow.yaml", "Path to the configuration file")

	translateCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Override the output directory")

	statusCmd.Flags().StringVarP(&projectID, "project", "p", "", "Show detailed progress for one project id")
	statusCmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "Watch the output directory for artifact writes")

	cleanupCmd.Flags().StringVar(&maxAge, "max-age", "168h", "Retention window (Go duration, e.g. 72h)")

	rootCmd.AddCommand(translateCmd, statusCmd, pauseCmd, resumeCmd, cleanupCmd)
}
