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
	journalPath   string // CLI override for storage.journal_path
	logLevel      string // CLI override for logging.level
	metricsListen string // CLI override for observability.metrics_listen
	softDelete    bool
	softDeleteSet bool // true when --soft-delete was given explicitly
	batchMode     bool // apply: run forward-only instead of saga

	rootCmd = &cobra.Command{
		Use:   "filesafe",
		Short: "A cli for transactional file organization",
		Long: `Filesafe applies file moves, copies, creates, and deletes as
				transactions: every mutation is journaled before the next one
				runs, failures roll back completed work, and crashes are
				settled from the journal on the next start.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			softDeleteSet = cmd.Flags().Changed("soft-delete")
		},
	}

	// --- Execution ---
	applyCmd = &cobra.Command{
		Use:   "apply [plan.json]",
		Short: "Execute a plan of file operations as one transaction",
		Long: `apply reads a JSON plan and executes it. The default saga mode
				rolls back every completed step when one fails; --batch runs
				forward-only and resumable, stopping at the first failure
				without undoing finished steps.`,
		Args: cobra.ExactArgs(1),
		Run:  runApply, // Defined in cmd_apply.go
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [transaction-id]",
		Short: "Resume an interrupted batch transaction",
		Args:  cobra.ExactArgs(1),
		Run:   runResume, // Defined in cmd_apply.go
	}

	// --- Administration ---
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Settle transactions left active by a crash",
		Run:   runRecover, // Defined in cmd_admin.go
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show journal transaction and operation counts",
		Run:   runStats, // Defined in cmd_admin.go
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Delete terminal transactions older than the retention window",
		Run:   runSweep, // Defined in cmd_admin.go
	}

	// --- Monitoring ---
	watchCmd = &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Watch directories and report debounced change batches",
		Long: `watch monitors the given directories (or watch.dirs from the
				config) and logs batched filesystem changes. It also runs the
				background journal sweeper and, when metrics are enabled, a
				Prometheus endpoint.`,
		Run: runWatch, // Defined in cmd_watch.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "",
		"Path to the journal database (overrides the config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "",
		"Listen address for the Prometheus /metrics endpoint")
	rootCmd.PersistentFlags().BoolVar(&softDelete, "soft-delete", true,
		"Park deleted files in the backup trash until the transaction commits")

	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().BoolVar(&batchMode, "batch", false,
		"Run forward-only and resumable instead of all-or-nothing")

	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(watchCmd)
}
