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
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/filesafe/batch"
	"github.com/AleutianAI/filesafe/journal"
	"github.com/AleutianAI/filesafe/saga"
)

// planStep is one operation in a JSON plan file.
type planStep struct {
	Type   string `json:"type"` // move, copy, create, delete
	Source string `json:"source,omitempty"`
	Dest   string `json:"dest,omitempty"`
	Data   string `json:"data,omitempty"` // create content
}

type planFile struct {
	Steps []planStep `json:"steps"`
}

func loadPlan(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan planFile
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", path)
	}
	for i, s := range plan.Steps {
		switch journal.OpType(s.Type) {
		case journal.OpMove, journal.OpCopy, journal.OpCreate, journal.OpDelete:
		default:
			return nil, fmt.Errorf("step %d: unknown operation type %q", i+1, s.Type)
		}
	}
	return &plan, nil
}

func runApply(cmd *cobra.Command, args []string) {
	plan, err := loadPlan(args[0])
	if err != nil {
		log.Fatalf("Error loading plan: %v", err)
	}

	eng, err := openEngine()
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	defer eng.close()

	ctx := context.Background()
	if err := eng.settleCrashed(ctx); err != nil {
		log.Fatalf("Error during startup recovery: %v", err)
	}

	if batchMode {
		applyBatch(ctx, eng, plan)
		return
	}
	applySaga(ctx, eng, plan)
}

func applySaga(ctx context.Context, eng *engine, plan *planFile) {
	reqs := make([]saga.OperationRequest, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		reqs = append(reqs, saga.OperationRequest{
			Type:   journal.OpType(s.Type),
			Source: s.Source,
			Dest:   s.Dest,
			Data:   []byte(s.Data),
		})
	}

	result, err := eng.saga.Execute(ctx, reqs)
	if err != nil {
		if result != nil {
			printSagaResult(result)
		}
		log.Fatalf("Transaction failed: %v", err)
	}
	printSagaResult(result)
}

func printSagaResult(r *saga.Result) {
	fmt.Printf("Transaction %s: %s\n", r.TxID, r.Status)
	for i, step := range r.Steps {
		line := fmt.Sprintf("  [%d] %s", i+1, step.Request.Type)
		if step.Request.Source != "" {
			line += " " + step.Request.Source
		}
		if step.FinalDest != "" {
			line += " -> " + step.FinalDest
		} else if step.Request.Dest != "" {
			line += " -> " + step.Request.Dest
		}
		fmt.Printf("%s (%s)\n", line, step.Status)
		if step.Err != nil {
			fmt.Printf("      error: %v\n", step.Err)
		}
	}
	if r.Orphaned {
		fmt.Println("  WARNING: the last completed mutation could not be journaled;")
		fmt.Println("  it was left in place rather than undone. Check the paths above.")
	}
	for _, rbErr := range r.RollbackErrs {
		fmt.Printf("  rollback error: %v\n", rbErr)
	}
}

func applyBatch(ctx context.Context, eng *engine, plan *planFile) {
	specs := make([]journal.StepSpec, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		specs = append(specs, journal.StepSpec{
			Type:   journal.OpType(s.Type),
			Source: s.Source,
			Dest:   s.Dest,
		})
	}

	txID, err := eng.batch.Plan(ctx, specs)
	if err != nil {
		log.Fatalf("Error planning batch: %v", err)
	}
	fmt.Printf("Batch transaction %s: %d steps\n", txID, len(specs))

	summary, err := eng.batch.Run(ctx, txID, printProgress)
	if err != nil {
		log.Fatalf("Error running batch: %v", err)
	}
	printBatchSummary(txID, summary)
	if !summary.Done() {
		os.Exit(1)
	}
}

func runResume(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	defer eng.close()

	ctx := context.Background()
	if err := eng.settleCrashed(ctx); err != nil {
		log.Fatalf("Error during startup recovery: %v", err)
	}

	// The recovery pass may already have finished this batch.
	txID := args[0]
	if tx, err := eng.store.GetTransaction(ctx, txID); err == nil && tx.Status == journal.TxCommitted {
		fmt.Printf("Batch %s already committed.\n", txID)
		return
	}

	summary, err := eng.batch.Resume(ctx, txID)
	if err != nil {
		log.Fatalf("Error resuming batch: %v", err)
	}
	printBatchSummary(txID, summary)
	if !summary.Done() {
		os.Exit(1)
	}
}

func printProgress(p batch.Progress) {
	dest := p.Op.FinalDest
	if dest == "" {
		dest = p.Op.Dest
	}
	if dest != "" {
		fmt.Printf("  [%d/%d] %s %s -> %s\n", p.Op.Seq, p.Total, p.Op.Type, p.Op.Source, dest)
	} else {
		fmt.Printf("  [%d/%d] %s %s\n", p.Op.Seq, p.Total, p.Op.Type, p.Op.Source)
	}
}

func printBatchSummary(txID string, s *batch.Summary) {
	fmt.Printf("Batch %s: %d/%d completed, %d skipped\n", txID, s.Completed, s.Total, s.Skipped)
	if s.Err != nil {
		fmt.Printf("  stopped at step %d: %v\n", s.Failed.Seq, s.Err)
		fmt.Printf("  fix the cause and run: filesafe resume %s\n", txID)
	}
}
