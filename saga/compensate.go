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
	"io/fs"
	"time"

	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
)

// compensator undoes one completed operation. Compensators run on a
// fresh context so caller cancellation cannot strand a half-finished
// rollback.
type compensator func(ctx context.Context) error

// stepRecord pairs a journaled operation with its in-memory compensation.
type stepRecord struct {
	op         journal.Operation
	idx        int
	compensate compensator
}

// compensationTimeout bounds each individual compensation during
// rollback. Generous because a compensation may itself be a
// cross-device move.
const compensationTimeout = 60 * time.Second

// rollback undoes completed steps in reverse order.
//
// Every compensation runs even when an earlier one fails; partial
// rollback with a precise error report beats stopping half way. Each
// successfully compensated step is marked rolled_back in the journal so
// a crash mid-rollback never repeats finished compensations.
func (c *Coordinator) rollback(done []stepRecord, result *Result, reason string) {
	if len(done) == 0 {
		return
	}

	ctx := context.Background()
	start := time.Now()
	log := c.logger.With("tx_id", result.TxID, "reason", reason)
	log.Info("rolling back", "steps", len(done))

	for i := len(done) - 1; i >= 0; i-- {
		rec := done[i]

		compCtx, cancel := context.WithTimeout(ctx, compensationTimeout)
		compErr := rec.compensate(compCtx)
		cancel()

		if compErr != nil {
			result.RollbackErrs = append(result.RollbackErrs,
				fmt.Errorf("compensate step %d (%s): %w", rec.op.Seq, rec.op.Type, compErr))

			if errors.Is(compErr, ErrCannotRestoreDelete) {
				// The loss is permanent; there is nothing a retry could
				// fix. Mark the step processed so recovery does not spin
				// on it.
				log.Warn("deleted file cannot be restored",
					"seq", rec.op.Seq, "source", rec.op.Source)
				if rec.op.ID != "" {
					if err := c.journal.MarkRolledBack(ctx, rec.op.ID); err != nil {
						log.Warn("failed to mark operation rolled back",
							"seq", rec.op.Seq, "error", err)
					}
				}
				result.Steps[rec.idx].Status = journal.OpRolledBack
				continue
			}

			log.Error("compensation failed",
				"seq", rec.op.Seq, "type", rec.op.Type, "error", compErr)
			continue
		}

		if rec.op.ID != "" {
			if err := c.journal.MarkRolledBack(ctx, rec.op.ID); err != nil {
				log.Warn("failed to mark operation rolled back",
					"seq", rec.op.Seq, "error", err)
			}
		}
		result.Steps[rec.idx].Status = journal.OpRolledBack
	}

	recordRollback(ctx, time.Since(start), len(done), reason)
}

// settleRollback finalizes a rolled-back transaction's journal state and
// releases its backups. Failed compensations keep the transaction active
// and its backups on disk, so the next recovery pass retries. The one
// exception is an unrestorable hard delete: it is reported, not
// retryable, and does not block settling.
func (c *Coordinator) settleRollback(txID string, result *Result, reason string) {
	ctx := context.Background()

	for _, rbErr := range result.RollbackErrs {
		if !errors.Is(rbErr, ErrCannotRestoreDelete) {
			c.logger.Error("rollback incomplete; transaction left active for recovery",
				"tx_id", txID, "failed_compensations", len(result.RollbackErrs))
			result.Status = journal.TxActive
			return
		}
	}

	if err := c.journal.SetTransactionStatus(ctx, txID, journal.TxRolledBack, reason); err != nil {
		c.logger.Warn("failed to record rollback status", "tx_id", txID, "error", err)
		result.Status = journal.TxActive
		return
	}
	result.Status = journal.TxRolledBack

	if err := c.backups.PurgeTransaction(ctx, txID); err != nil {
		c.logger.Warn("failed to purge backups after rollback", "tx_id", txID, "error", err)
	}
}

// RollbackTransaction undoes a transaction from its journal records
// alone, with no in-memory state. This is the recovery path: the process
// that executed the transaction is gone, so each completed operation's
// compensation is rebuilt from its journal row.
//
// Already-terminal transactions are left alone. Compensations run in
// descending sequence order and never short-circuit; if any fail, the
// transaction stays active so a later recovery pass can retry, and the
// accumulated errors are returned. Hard deletes with no backup are
// logged as unrestorable and do not keep the transaction active.
func (c *Coordinator) RollbackTransaction(ctx context.Context, txID, reason string) error {
	tx, err := c.journal.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != journal.TxActive {
		return nil
	}

	steps, err := c.journal.GetStepsForRollback(ctx, txID)
	if err != nil {
		return fmt.Errorf("load rollback steps: %w", err)
	}

	log := c.logger.With("tx_id", txID, "reason", reason)
	log.Info("rolling back from journal", "steps", len(steps))
	start := time.Now()

	var errs []error
	for _, op := range steps {
		compCtx, cancel := context.WithTimeout(ctx, compensationTimeout)
		compErr := c.compensateFromRecord(compCtx, op)
		cancel()

		if compErr != nil {
			if errors.Is(compErr, ErrCannotRestoreDelete) {
				log.Warn("deleted file cannot be restored",
					"seq", op.Seq, "source", op.Source)
				if err := c.journal.MarkRolledBack(ctx, op.ID); err != nil {
					log.Warn("failed to mark operation rolled back", "seq", op.Seq, "error", err)
				}
				continue
			}
			log.Error("compensation failed",
				"seq", op.Seq, "type", op.Type, "error", compErr)
			errs = append(errs, fmt.Errorf("compensate step %d (%s): %w", op.Seq, op.Type, compErr))
			continue
		}
		if err := c.journal.MarkRolledBack(ctx, op.ID); err != nil {
			log.Warn("failed to mark operation rolled back", "seq", op.Seq, "error", err)
		}
	}

	recordRollback(ctx, time.Since(start), len(steps), reason)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := c.journal.SetTransactionStatus(ctx, txID, journal.TxRolledBack, reason); err != nil {
		return fmt.Errorf("record rollback status: %w", err)
	}
	if err := c.backups.PurgeTransaction(ctx, txID); err != nil {
		log.Warn("failed to purge backups after rollback", "error", err)
	}
	log.Info("rollback complete", "steps", len(steps))
	return nil
}

// compensateFromRecord undoes one journaled operation using only its
// row. Compensations are idempotent: an operation whose effects are
// already undone (because a previous recovery pass got that far before
// crashing) succeeds without touching anything.
func (c *Coordinator) compensateFromRecord(ctx context.Context, op journal.Operation) error {
	switch op.Type {
	case journal.OpMove:
		if _, err := c.exec.Stat(op.FinalDest); errors.Is(err, fs.ErrNotExist) {
			if _, err := c.exec.Stat(op.Source); err == nil {
				// Already moved back.
				return nil
			}
			return &fsops.OpError{Kind: fsops.KindNotFound, Op: "compensate_move",
				Source: op.FinalDest, Dest: op.Source,
				Err: fmt.Errorf("neither destination nor source exists")}
		}
		_, err := c.exec.Move(ctx, op.FinalDest, op.Source)
		return err

	case journal.OpCopy:
		err := c.exec.Delete(ctx, op.FinalDest)
		if fsops.KindOf(err) == fsops.KindNotFound {
			return nil
		}
		return err

	case journal.OpDelete:
		if op.BackupRef == "" {
			// Hard delete; there is no pre-image to put back.
			return fmt.Errorf("%w: %s", ErrCannotRestoreDelete, op.Source)
		}
		return c.backups.Restore(ctx, op.BackupRef)

	case journal.OpCreate:
		if op.BackupRef != "" {
			return c.backups.Restore(ctx, op.BackupRef)
		}
		err := c.exec.Delete(ctx, op.FinalDest)
		if fsops.KindOf(err) == fsops.KindNotFound {
			return nil
		}
		return err

	default:
		return fmt.Errorf("saga: unknown operation type %q", op.Type)
	}
}
