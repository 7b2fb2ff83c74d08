// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package saga executes groups of filesystem mutations transactionally.
//
// Each operation that succeeds contributes a compensating action; when a
// later operation fails, the compensations run in reverse order so the
// filesystem returns to its pre-transaction state. The journal records
// completed steps durably, which is what lets recovery finish the job
// after a crash.
package saga

import (
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
)

// Default timeouts.
const (
	// DefaultStepTimeout bounds a single operation, including any
	// cross-device copy.
	DefaultStepTimeout = 30 * time.Second

	// DefaultBatchTimeout bounds a whole transaction's forward execution.
	DefaultBatchTimeout = 30 * time.Second
)

// ErrEmptyTransaction is returned when Execute is called with no
// operations.
var ErrEmptyTransaction = errors.New("saga: transaction has no operations")

// ErrCannotRestoreDelete reports a hard delete during rollback. The file
// was unlinked when the operation ran; compensation can only record the
// loss, not undo it. Soft-deleted files never produce this error.
var ErrCannotRestoreDelete = errors.New("cannot restore deleted file")

// OperationRequest describes one mutation to perform.
type OperationRequest struct {
	// Type selects the mutation.
	Type journal.OpType

	// Source is the file acted on. Unused for create.
	Source string

	// Dest is the target path for move, copy, and create.
	Dest string

	// Data is the content for create operations.
	Data []byte
}

// Config configures a Coordinator.
type Config struct {
	// Journal records transactions durably. Required.
	Journal journal.Store

	// Executor performs the filesystem mutations. Required.
	Executor *fsops.Executor

	// Backups captures pre-images for destructive operations. Required.
	Backups *backup.Store

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger

	// StepTimeout bounds each operation. Default: 30s.
	StepTimeout time.Duration

	// BatchTimeout bounds a whole transaction's forward execution. On
	// expiry the transaction is treated as failed and rolled back.
	// Default: 30s; negative disables the bound.
	BatchTimeout time.Duration

	// SoftDelete parks deleted files in the backup store's trash instead
	// of unlinking them, until the transaction commits. Off by default.
	SoftDelete bool

	// MetricsEnabled controls OpenTelemetry metric recording.
	MetricsEnabled bool

	// TracingEnabled controls OpenTelemetry span creation.
	TracingEnabled bool
}

// StepOutcome reports what happened to one requested operation.
type StepOutcome struct {
	Request OperationRequest

	// FinalDest is the destination actually used, after collision
	// resolution. Empty if the step never ran or failed.
	FinalDest string

	// Status is the step's journal status after the transaction settled.
	Status journal.OpStatus

	// Err is the step's failure, nil for successful steps.
	Err error
}

// Result reports the outcome of an executed transaction.
type Result struct {
	// TxID is the journal transaction ID.
	TxID string

	// Status is the transaction's final journal status.
	Status journal.TxStatus

	// Steps holds one outcome per requested operation, in request order.
	// Steps after the first failure carry no status; they never ran.
	Steps []StepOutcome

	// Err is the failure that triggered rollback, nil when committed.
	Err error

	// RollbackErrs holds compensation failures. Compensation never
	// short-circuits, so all failed compensations are reported. Hard
	// deletes that cannot be restored appear here wrapping
	// ErrCannotRestoreDelete.
	RollbackErrs []error

	// Orphaned flags a completed mutation whose journal record could not
	// be written. The mutation stands; an operator needs to reconcile it.
	Orphaned bool
}

// Committed reports whether every operation succeeded and the
// transaction was durably committed.
func (r *Result) Committed() bool {
	return r.Status == journal.TxCommitted && r.Err == nil
}
