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
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func runRecover(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	defer eng.close()

	report, err := eng.rec.Recover(context.Background())
	if err != nil {
		log.Fatalf("Error during recovery: %v", err)
	}

	if len(report.Outcomes) == 0 {
		fmt.Println("Journal is clean, nothing to recover.")
		return
	}
	for _, o := range report.Outcomes {
		if o.Err != nil {
			fmt.Printf("  %s (%s): FAILED: %v\n", o.TxID, o.Mode, o.Err)
			continue
		}
		fmt.Printf("  %s (%s): %s\n", o.TxID, o.Mode, o.Action)
	}
	fmt.Printf("Settled %d of %d transactions in %s\n",
		len(report.Outcomes)-len(report.Failed()), len(report.Outcomes),
		report.Duration.Round(time.Millisecond))

	if len(report.Failed()) > 0 {
		fmt.Println("Failed transactions stay active; run recover again after fixing the cause.")
		os.Exit(1)
	}
}

func runStats(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	defer eng.close()

	stats, err := eng.store.Stats(context.Background())
	if err != nil {
		log.Fatalf("Error reading journal stats: %v", err)
	}

	fmt.Printf("Journal: %s\n", eng.cfg.Storage.JournalPath)
	fmt.Printf("  active transactions:      %d\n", stats.ActiveTransactions)
	fmt.Printf("  committed transactions:   %d\n", stats.CommittedTransactions)
	fmt.Printf("  rolled back transactions: %d\n", stats.RolledBackTransactions)
	fmt.Printf("  operations:               %d (%d errored)\n",
		stats.TotalOperations, stats.ErrorOperations)
	if !stats.OldestActive.IsZero() {
		fmt.Printf("  oldest active since:      %s\n",
			stats.OldestActive.Format(time.RFC3339))
	}
	if stats.ActiveTransactions > 0 {
		fmt.Println("Active transactions usually mean a crash; run `filesafe recover`.")
	}
}

func runSweep(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	defer eng.close()

	removed, err := eng.newSweeper().SweepOnce(context.Background())
	if err != nil {
		log.Fatalf("Error sweeping journal: %v", err)
	}
	fmt.Printf("Removed %d transactions older than %d days.\n",
		removed, eng.cfg.Retention.Days)
}
