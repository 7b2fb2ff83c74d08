// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
)

// Coordinator executes transactions over the operation executor,
// recording completed work in the journal and compensating on failure.
//
// # Thread Safety
//
// The coordinator holds no per-transaction state; concurrent Execute
// calls are safe. Transactions touching the same paths race at the
// filesystem level, which collision resolution and exclusive creates
// make safe but not serialized.
type Coordinator struct {
	journal      journal.Store
	exec         *fsops.Executor
	backups      *backup.Store
	logger       *slog.Logger
	tracer       *Tracer
	stepTimeout  time.Duration
	batchTimeout time.Duration
	softDelete   bool
}

// New creates a coordinator from the given configuration.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Journal == nil {
		return nil, errors.New("saga: journal is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("saga: executor is required")
	}
	if cfg.Backups == nil {
		return nil, errors.New("saga: backup store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}

	SetMetricsEnabled(cfg.MetricsEnabled)

	return &Coordinator{
		journal:      cfg.Journal,
		exec:         cfg.Executor,
		backups:      cfg.Backups,
		logger:       cfg.Logger.With("component", "saga.Coordinator"),
		tracer:       NewTracer(cfg.Logger, cfg.TracingEnabled),
		stepTimeout:  cfg.StepTimeout,
		batchTimeout: cfg.BatchTimeout,
		softDelete:   cfg.SoftDelete,
	}, nil
}

// Execute runs the requested operations as one transaction.
//
// # Description
//
// Operations run in order. Each success is journaled and contributes a
// compensating action; the first failure stops execution and runs all
// compensations in reverse order, restoring the pre-transaction state.
// When every operation succeeds the transaction commits and its backup
// pre-images are released.
//
// Hard deletes are the exception to full restoration: the file is gone
// the moment the delete runs, so rollback reports it in RollbackErrs as
// ErrCannotRestoreDelete instead of bringing it back. SoftDelete makes
// deletes restorable by parking the file in trash until commit.
//
// A journal write failure after a successful mutation is the one case
// where the filesystem and the journal are allowed to disagree: the
// mutation is never undone just because its bookkeeping failed. The
// result carries Orphaned=true so the caller can surface it.
//
// The whole transaction runs under one deadline (Config.BatchTimeout);
// expiry is treated exactly like an operation failure and rolls back
// completed work.
//
// # Inputs
//
//   - ctx: Context for cancellation. Rollback runs on a fresh context
//     so a cancelled caller cannot strand half-undone state.
//   - reqs: The operations, executed in slice order.
//
// # Outputs
//
//   - *Result: Per-step outcomes and the final transaction status.
//     Non-nil whenever a transaction was begun, even on error.
//   - error: The failure that triggered rollback, nil on commit.
func (c *Coordinator) Execute(ctx context.Context, reqs []OperationRequest) (result *Result, err error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyTransaction
	}

	ctx, span := c.tracer.StartExecute(ctx, len(reqs))
	defer func() { c.tracer.EndExecute(span, result, err) }()

	start := time.Now()

	tx, err := c.journal.Begin(ctx, journal.ModeSaga)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	recordActive(ctx, 1)
	defer recordActive(ctx, -1)

	result = &Result{
		TxID:   tx.ID,
		Status: journal.TxActive,
		Steps:  make([]StepOutcome, len(reqs)),
	}
	for i := range reqs {
		result.Steps[i].Request = reqs[i]
	}

	log := c.logger.With("tx_id", tx.ID)
	log.Info("transaction started", "operations", len(reqs))

	// One deadline for the whole transaction. Journal writes stay on the
	// caller's context so a late expiry cannot orphan a mutation that
	// already succeeded.
	execCtx := ctx
	if c.batchTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.batchTimeout)
		defer cancel()
	}

	var done []stepRecord

	// A panic mid-transaction must not strand completed mutations.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during transaction, rolling back", "panic", r)
			c.rollback(done, result, "panic")
			c.settleRollback(tx.ID, result, fmt.Sprintf("panic: %v", r))
			err = fmt.Errorf("transaction panicked: %v", r)
			result.Err = err
		}
	}()

	for i, req := range reqs {
		var op journal.Operation
		var comp compensator
		stepErr := execCtx.Err()
		if stepErr != nil {
			stepErr = fmt.Errorf("transaction deadline exceeded before step %d: %w", i+1, stepErr)
		} else {
			op, comp, stepErr = c.performStep(execCtx, tx.ID, i+1, req)
		}
		if stepErr != nil {
			result.Steps[i].Status = journal.OpError
			result.Steps[i].Err = stepErr
			log.Warn("operation failed, rolling back",
				"seq", i+1, "type", req.Type, "error", stepErr)

			reason := "operation_failed"
			if errors.Is(stepErr, context.DeadlineExceeded) {
				reason = "timeout"
			}
			c.rollback(done, result, reason)
			c.settleRollback(tx.ID, result, stepErr.Error())
			result.Err = stepErr
			recordExecute(ctx, time.Since(start), len(reqs), "rolled_back")
			return result, stepErr
		}

		recorded, jErr := c.journal.AppendCompleted(ctx, tx.ID, op)
		if jErr != nil {
			// The mutation succeeded but its record did not. Leave the
			// mutation in place, flag it, and unwind the recorded steps.
			result.Orphaned = true
			result.Steps[i].FinalDest = op.FinalDest
			result.Steps[i].Status = journal.OpCompleted
			orphanErr := &fsops.OpError{
				Kind:   fsops.KindJournalWrite,
				Op:     string(req.Type),
				Source: req.Source,
				Dest:   req.Dest,
				Err:    jErr,
			}
			log.Error("journal write failed after successful mutation; manual reconciliation needed",
				"seq", i+1, "type", req.Type, "final_dest", op.FinalDest, "error", jErr)

			c.rollback(done, result, "journal_write_failed")
			c.settleRollback(tx.ID, result, "journal write failed after successful mutation")
			result.Err = orphanErr
			recordExecute(ctx, time.Since(start), len(reqs), "orphaned")
			return result, orphanErr
		}

		result.Steps[i].FinalDest = recorded.FinalDest
		result.Steps[i].Status = journal.OpCompleted
		done = append(done, stepRecord{op: *recorded, idx: i, compensate: comp})
	}

	if err := c.journal.SetTransactionStatus(ctx, tx.ID, journal.TxCommitted, ""); err != nil {
		// All mutations are complete; committing is pure bookkeeping.
		// Do not undo finished work over it.
		result.Orphaned = true
		orphanErr := &fsops.OpError{Kind: fsops.KindJournalWrite, Op: "commit", Err: err}
		result.Err = orphanErr
		log.Error("commit record failed; transaction work is complete but journal still shows active",
			"error", err)
		recordExecute(ctx, time.Since(start), len(reqs), "orphaned")
		return result, orphanErr
	}
	result.Status = journal.TxCommitted

	if err := c.backups.PurgeTransaction(ctx, tx.ID); err != nil {
		// Stale backups cost disk, not correctness.
		log.Warn("failed to purge backups after commit", "error", err)
	}

	log.Info("transaction committed",
		"operations", len(reqs), "duration", time.Since(start))
	recordExecute(ctx, time.Since(start), len(reqs), "committed")
	return result, nil
}

// Statistics summarizes the journal.
func (c *Coordinator) Statistics(ctx context.Context) (journal.Stats, error) {
	return c.journal.Stats(ctx)
}

// performStep executes one operation and returns its journal record
// along with the compensation that undoes it.
func (c *Coordinator) performStep(ctx context.Context, txID string, seq int, req OperationRequest) (journal.Operation, compensator, error) {
	ctx, span := c.tracer.StartStep(ctx, txID, seq, req)
	var retErr error
	defer func() { c.tracer.EndStep(span, retErr) }()

	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()

	stepStart := time.Now()
	defer func() { recordOperation(ctx, req.Type, time.Since(stepStart), retErr == nil) }()

	op := journal.Operation{Type: req.Type, Source: req.Source, Dest: req.Dest}

	switch req.Type {
	case journal.OpMove:
		final, err := c.exec.Move(stepCtx, req.Source, req.Dest)
		if err != nil {
			retErr = err
			return op, nil, err
		}
		op.FinalDest = final
		source := req.Source
		return op, func(ctx context.Context) error {
			_, err := c.exec.Move(ctx, final, source)
			return err
		}, nil

	case journal.OpCopy:
		final, err := c.exec.Copy(stepCtx, req.Source, req.Dest)
		if err != nil {
			retErr = err
			return op, nil, err
		}
		op.FinalDest = final
		return op, func(ctx context.Context) error {
			return c.exec.Delete(ctx, final)
		}, nil

	case journal.OpDelete:
		if c.softDelete {
			entry, err := c.backups.Trash(stepCtx, txID, seq, req.Source)
			if err != nil {
				retErr = err
				return op, nil, err
			}
			op.BackupRef = entry.Ref
			ref := entry.Ref
			return op, func(ctx context.Context) error {
				return c.backups.Restore(ctx, ref)
			}, nil
		}

		// A hard delete is gone the moment it runs. Its compensation can
		// only report the loss, never undo it.
		if err := c.exec.Delete(stepCtx, req.Source); err != nil {
			retErr = err
			return op, nil, err
		}
		source := req.Source
		return op, func(context.Context) error {
			return fmt.Errorf("%w: %s", ErrCannotRestoreDelete, source)
		}, nil

	case journal.OpCreate:
		var comp compensator
		if _, statErr := c.exec.Stat(req.Dest); statErr == nil {
			// Overwriting: capture the pre-image so rollback can put
			// the old content back.
			entry, err := c.backups.Capture(stepCtx, txID, seq, req.Dest)
			if err != nil {
				retErr = err
				return op, nil, err
			}
			op.BackupRef = entry.Ref
			ref := entry.Ref
			comp = func(ctx context.Context) error {
				return c.backups.Restore(ctx, ref)
			}
		} else {
			dest := req.Dest
			comp = func(ctx context.Context) error {
				return c.exec.Delete(ctx, dest)
			}
		}
		if err := c.exec.CreateOrReplace(stepCtx, req.Dest, req.Data); err != nil {
			retErr = err
			return op, nil, err
		}
		op.FinalDest = req.Dest
		return op, comp, nil

	default:
		retErr = fmt.Errorf("saga: unknown operation type %q", req.Type)
		return op, nil, retErr
	}
}
