// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery scans the journal at startup for transactions a
// previous process left unfinished and settles each one: saga
// transactions roll back, batch transactions resume.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/filesafe/batch"
	"github.com/AleutianAI/filesafe/journal"
	"github.com/AleutianAI/filesafe/saga"
)

// Config configures a Manager.
type Config struct {
	// Journal is scanned for active transactions. Required.
	Journal journal.Store

	// Saga rolls back crashed saga-mode transactions. Required.
	Saga *saga.Coordinator

	// Batch resumes crashed batch-mode transactions. Required.
	Batch *batch.Runner

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// Outcome reports what recovery did with one transaction.
type Outcome struct {
	TxID string
	Mode journal.Mode

	// Action is "rolled_back" or "resumed".
	Action string

	// Err is non-nil when settling the transaction failed. The
	// transaction stays active for the next recovery pass.
	Err error
}

// Report summarizes one recovery pass.
type Report struct {
	Outcomes []Outcome
	Duration time.Duration
}

// Failed returns the outcomes that could not be settled.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Manager settles transactions interrupted by a crash.
type Manager struct {
	journal journal.Store
	saga    *saga.Coordinator
	batch   *batch.Runner
	logger  *slog.Logger
}

// New creates a recovery manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Journal == nil {
		return nil, errors.New("recovery: journal is required")
	}
	if cfg.Saga == nil {
		return nil, errors.New("recovery: saga coordinator is required")
	}
	if cfg.Batch == nil {
		return nil, errors.New("recovery: batch runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		journal: cfg.Journal,
		saga:    cfg.Saga,
		batch:   cfg.Batch,
		logger:  cfg.Logger.With("component", "recovery.Manager"),
	}, nil
}

// Recover settles every active transaction in the journal, oldest first.
//
// # Description
//
// Run once at startup, before accepting new work. Saga-mode transactions
// are rolled back from their journal records; batch-mode transactions
// resume from their first incomplete step. A transaction that cannot be
// settled is reported and left active, so the next startup retries it;
// one stuck transaction never blocks the others.
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancellation stops between
//     transactions, never mid-settle.
//
// # Outputs
//
//   - *Report: Per-transaction outcomes.
//   - error: Non-nil only when the journal itself cannot be read.
func (m *Manager) Recover(ctx context.Context) (*Report, error) {
	start := time.Now()

	pending, err := m.journal.FindIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	if len(pending) == 0 {
		m.logger.Info("no interrupted transactions")
		return &Report{Duration: time.Since(start)}, nil
	}

	m.logger.Info("recovering interrupted transactions", "count", len(pending))

	report := &Report{}
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome := m.settle(ctx, tx)
		report.Outcomes = append(report.Outcomes, outcome)

		if outcome.Err != nil {
			m.logger.Error("failed to settle transaction",
				"tx_id", tx.ID, "mode", tx.Mode, "action", outcome.Action, "error", outcome.Err)
		} else {
			m.logger.Info("settled transaction",
				"tx_id", tx.ID, "mode", tx.Mode, "action", outcome.Action)
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

func (m *Manager) settle(ctx context.Context, tx journal.Transaction) Outcome {
	outcome := Outcome{TxID: tx.ID, Mode: tx.Mode}

	switch tx.Mode {
	case journal.ModeSaga:
		outcome.Action = "rolled_back"
		outcome.Err = m.saga.RollbackTransaction(ctx, tx.ID, "crash_recovery")

	case journal.ModeBatch:
		outcome.Action = "resumed"
		_, err := m.batch.Resume(ctx, tx.ID)
		outcome.Err = err

	default:
		outcome.Action = "skipped"
		outcome.Err = fmt.Errorf("unknown transaction mode %q", tx.Mode)
	}
	return outcome
}
