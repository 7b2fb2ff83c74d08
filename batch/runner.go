// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch runs large, resumable plans of file operations.
//
// Unlike a saga, a batch never rolls itself back on failure: the whole
// plan is journaled up front, each step advances pending → started →
// completed, and a crash or error leaves the journal pointing at exactly
// where to pick up. Resume re-validates interrupted steps before redoing
// them, so a step that finished just before the crash is never done
// twice.
//
// Batch steps are rebuilt entirely from their journal rows, which is why
// only move, copy, and delete are supported: a create's content is not
// journaled and could not survive a crash.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
)

// DefaultStepTimeout bounds a single batch step.
const DefaultStepTimeout = 30 * time.Second

// ErrEmptyPlan is returned when a plan has no steps.
var ErrEmptyPlan = errors.New("batch: plan has no steps")

// ErrUnsupportedStep is returned for step types a batch cannot replay.
var ErrUnsupportedStep = errors.New("batch: unsupported step type")

// Config configures a Runner.
type Config struct {
	// Journal records the plan and its progress. Required.
	Journal journal.Store

	// Executor performs the filesystem mutations. Required.
	Executor *fsops.Executor

	// Backups captures pre-images of deleted files, so an operator can
	// still cancel a half-done batch. Required.
	Backups *backup.Store

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger

	// StepTimeout bounds each step. Default: 30s.
	StepTimeout time.Duration
}

// Progress reports one settled step to the caller's callback.
type Progress struct {
	TxID      string
	Completed int
	Total     int
	Op        journal.Operation
}

// Summary reports the outcome of a Run or Resume pass.
type Summary struct {
	TxID string

	// Total is the number of steps in the plan.
	Total int

	// Completed counts steps now in the completed state, including ones
	// finished by earlier passes.
	Completed int

	// Skipped counts steps this pass found already done and did not
	// redo.
	Skipped int

	// Failed is the step that stopped the pass, nil when the batch
	// finished.
	Failed *journal.Operation

	// Err is the failure that stopped the pass.
	Err error
}

// Done reports whether the whole plan completed and committed.
func (s *Summary) Done() bool {
	return s.Err == nil && s.Completed == s.Total
}

// Runner executes batch plans.
//
// # Thread Safety
//
// Safe for concurrent use across distinct transactions. Two concurrent
// passes over the same transaction are not supported.
type Runner struct {
	journal     journal.Store
	exec        *fsops.Executor
	backups     *backup.Store
	logger      *slog.Logger
	stepTimeout time.Duration
}

// New creates a batch runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Journal == nil {
		return nil, errors.New("batch: journal is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("batch: executor is required")
	}
	if cfg.Backups == nil {
		return nil, errors.New("batch: backup store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Runner{
		journal:     cfg.Journal,
		exec:        cfg.Executor,
		backups:     cfg.Backups,
		logger:      cfg.Logger.With("component", "batch.Runner"),
		stepTimeout: cfg.StepTimeout,
	}, nil
}

// Plan journals a new batch transaction with every step pending, and
// returns its ID. Nothing touches the filesystem until Run.
func (r *Runner) Plan(ctx context.Context, steps []journal.StepSpec) (string, error) {
	if len(steps) == 0 {
		return "", ErrEmptyPlan
	}
	for _, step := range steps {
		switch step.Type {
		case journal.OpMove, journal.OpCopy, journal.OpDelete:
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedStep, step.Type)
		}
	}

	tx, err := r.journal.Begin(ctx, journal.ModeBatch)
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	if _, err := r.journal.RegisterSteps(ctx, tx.ID, steps); err != nil {
		return "", fmt.Errorf("register batch steps: %w", err)
	}

	r.logger.Info("batch planned", "tx_id", tx.ID, "steps", len(steps))
	return tx.ID, nil
}

// Run executes a planned batch from its first unfinished step.
//
// # Description
//
// Steps run in sequence order. Each advances started → completed in the
// journal around its mutation. The first failure stops the pass with the
// step marked error and the transaction left active; a later Resume
// retries it. When every step completes the transaction commits and its
// backups are released.
//
// onProgress, if non-nil, is called after each settled step.
func (r *Runner) Run(ctx context.Context, txID string, onProgress func(Progress)) (*Summary, error) {
	return r.run(ctx, txID, onProgress, false)
}

// Resume continues an interrupted batch.
//
// Identical to Run except that steps interrupted mid-flight (started) or
// previously failed (error) are re-validated against the filesystem
// before being redone: a step whose effect is already visible is marked
// completed without touching anything.
func (r *Runner) Resume(ctx context.Context, txID string) (*Summary, error) {
	return r.run(ctx, txID, nil, true)
}

func (r *Runner) run(ctx context.Context, txID string, onProgress func(Progress), resuming bool) (*Summary, error) {
	tx, err := r.journal.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Mode != journal.ModeBatch {
		return nil, fmt.Errorf("batch: transaction %s is %s mode", txID, tx.Mode)
	}
	if tx.Status != journal.TxActive {
		return nil, fmt.Errorf("batch: transaction %s already %s", txID, tx.Status)
	}

	ops, err := r.journal.GetOperations(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("load batch steps: %w", err)
	}

	summary := &Summary{TxID: txID, Total: len(ops)}
	log := r.logger.With("tx_id", txID)
	if resuming {
		log.Info("resuming batch", "steps", len(ops))
	}

	for _, op := range ops {
		if op.Status == journal.OpCompleted {
			summary.Completed++
			continue
		}
		if err := ctx.Err(); err != nil {
			summary.Err = err
			return summary, err
		}

		stepErr := r.settleStep(ctx, &op, summary, resuming)
		if stepErr != nil {
			if markErr := r.journal.MarkError(ctx, op.ID, stepErr.Error()); markErr != nil {
				log.Warn("failed to record step error", "seq", op.Seq, "error", markErr)
			}
			log.Warn("batch step failed",
				"seq", op.Seq, "type", op.Type, "error", stepErr)
			summary.Failed = &op
			summary.Err = stepErr
			return summary, stepErr
		}

		summary.Completed++
		if onProgress != nil {
			onProgress(Progress{
				TxID:      txID,
				Completed: summary.Completed,
				Total:     summary.Total,
				Op:        op,
			})
		}
	}

	if err := r.journal.SetTransactionStatus(ctx, txID, journal.TxCommitted, ""); err != nil {
		// All the work is done; never undo it over bookkeeping. The
		// transaction stays active and the next resume pass will find
		// every step completed and commit again.
		summary.Err = &fsops.OpError{Kind: fsops.KindJournalWrite, Op: "commit", Err: err}
		return summary, summary.Err
	}
	if err := r.backups.PurgeTransaction(ctx, txID); err != nil {
		log.Warn("failed to purge backups after batch commit", "error", err)
	}

	log.Info("batch completed", "steps", summary.Total, "skipped", summary.Skipped)
	return summary, nil
}

// settleStep brings one step to completed, either by observing that its
// effect already holds or by performing it.
func (r *Runner) settleStep(ctx context.Context, op *journal.Operation, summary *Summary, resuming bool) error {
	if resuming && op.Status != journal.OpPending {
		done, finalDest, err := r.alreadyDone(op)
		if err != nil {
			return err
		}
		if done {
			if err := r.journal.MarkCompleted(ctx, op.ID, finalDest, op.BackupRef); err != nil {
				return &fsops.OpError{Kind: fsops.KindJournalWrite, Op: string(op.Type),
					Source: op.Source, Dest: op.Dest, Err: err}
			}
			op.Status = journal.OpCompleted
			op.FinalDest = finalDest
			summary.Skipped++
			return nil
		}
	}

	if err := r.journal.MarkStarted(ctx, op.ID); err != nil {
		return &fsops.OpError{Kind: fsops.KindJournalWrite, Op: string(op.Type),
			Source: op.Source, Dest: op.Dest, Err: err}
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	finalDest, backupRef, err := r.perform(stepCtx, op)
	cancel()
	if err != nil {
		return err
	}

	if err := r.journal.MarkCompleted(ctx, op.ID, finalDest, backupRef); err != nil {
		// The mutation stands. Resume re-validation will find it done.
		return &fsops.OpError{Kind: fsops.KindJournalWrite, Op: string(op.Type),
			Source: op.Source, Dest: op.Dest, Err: err}
	}
	op.Status = journal.OpCompleted
	op.FinalDest = finalDest
	op.BackupRef = backupRef
	return nil
}

func (r *Runner) perform(ctx context.Context, op *journal.Operation) (finalDest, backupRef string, err error) {
	switch op.Type {
	case journal.OpMove:
		finalDest, err = r.exec.Move(ctx, op.Source, op.Dest)
		return finalDest, "", err

	case journal.OpCopy:
		finalDest, err = r.exec.Copy(ctx, op.Source, op.Dest)
		return finalDest, "", err

	case journal.OpDelete:
		entry, err := r.backups.Capture(ctx, op.TxID, op.Seq, op.Source)
		if err != nil {
			return "", "", err
		}
		if err := r.exec.Delete(ctx, op.Source); err != nil {
			return "", "", err
		}
		return "", entry.Ref, nil

	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedStep, op.Type)
	}
}

// alreadyDone decides whether an interrupted step's effect already holds.
//
// The rules are conservative: a step is only skipped when the filesystem
// state is unambiguous.
//
//   - move: source gone and requested destination present means the move
//     finished. Both gone is unrecoverable and reported as an error.
//   - copy: source gone is an error; a destination matching the source
//     size means done.
//   - delete: source gone means done.
//
// A collision-resolved destination cannot be re-derived after a crash
// (the completed record carrying it never got written), so a move whose
// source is gone is matched against the requested destination only.
func (r *Runner) alreadyDone(op *journal.Operation) (bool, string, error) {
	srcExists := r.pathExists(op.Source)

	switch op.Type {
	case journal.OpMove:
		if srcExists {
			return false, "", nil
		}
		if r.pathExists(op.Dest) {
			return true, op.Dest, nil
		}
		return false, "", &fsops.OpError{Kind: fsops.KindNotFound, Op: "resume_move",
			Source: op.Source, Dest: op.Dest,
			Err: fmt.Errorf("neither source nor destination exists")}

	case journal.OpCopy:
		if !srcExists {
			return false, "", &fsops.OpError{Kind: fsops.KindNotFound, Op: "resume_copy",
				Source: op.Source, Dest: op.Dest, Err: fs.ErrNotExist}
		}
		// Done only when the destination holds as many bytes as the
		// source; a hard crash mid-copy leaves a short file.
		srcInfo, err := r.exec.Stat(op.Source)
		if err != nil {
			return false, "", err
		}
		if dstInfo, err := r.exec.Stat(op.Dest); err == nil && dstInfo.Size() == srcInfo.Size() {
			return true, op.Dest, nil
		}
		return false, "", nil

	case journal.OpDelete:
		if !srcExists {
			return true, "", nil
		}
		return false, "", nil

	default:
		return false, "", fmt.Errorf("%w: %s", ErrUnsupportedStep, op.Type)
	}
}

func (r *Runner) pathExists(path string) bool {
	_, err := r.exec.Stat(path)
	return err == nil
}
