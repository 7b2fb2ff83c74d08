// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal defines the durable write-ahead record of transactions
// and their operations.
//
// Every mutation the engine performs is recorded here before or as it
// happens, so a crash at any point leaves enough state on disk to either
// roll the transaction back or resume it. There is one store for both
// execution modes; the transaction's mode column tells recovery which
// path applies.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a transaction or operation does not exist.
var ErrNotFound = errors.New("journal: not found")

// Mode distinguishes how a transaction executes and, after a crash, how
// it is recovered.
type Mode string

const (
	// ModeSaga transactions roll back on failure and on crash recovery.
	ModeSaga Mode = "saga"

	// ModeBatch transactions pre-register their steps and resume from the
	// first incomplete step after a crash.
	ModeBatch Mode = "batch"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxActive     TxStatus = "active"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
)

// OpStatus is the lifecycle state of a single operation.
//
// Saga-mode operations are journaled only once they complete, so they
// appear directly at OpCompleted. Batch-mode operations are registered
// at OpPending up front and advance through OpStarted.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpStarted    OpStatus = "started"
	OpCompleted  OpStatus = "completed"
	OpError      OpStatus = "error"
	OpRolledBack OpStatus = "rolled_back"
)

// OpType identifies the kind of filesystem mutation an operation performs.
type OpType string

const (
	OpMove   OpType = "move"
	OpCopy   OpType = "copy"
	OpDelete OpType = "delete"
	OpCreate OpType = "create"
)

// Transaction is one journaled unit of work.
type Transaction struct {
	ID        string
	Mode      Mode
	Status    TxStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// CompletedAt is set when the transaction reaches a terminal status.
	// Zero while the transaction is active.
	CompletedAt time.Time

	// ErrorMessage records why a transaction was rolled back. Empty for
	// committed transactions.
	ErrorMessage string
}

// Operation is one journaled step within a transaction.
type Operation struct {
	ID   string
	TxID string

	// Seq is the 1-based position within the transaction. Rollback walks
	// completed operations in descending Seq.
	Seq int

	Type   OpType
	Status OpStatus

	// Source and Dest are the paths as requested.
	Source string
	Dest   string

	// FinalDest is the destination actually used after collision
	// resolution. Empty until the operation completes.
	FinalDest string

	// BackupRef points at a captured pre-image in the backup store, for
	// operations whose compensation needs one (delete, create-over).
	BackupRef string

	// Error holds the failure message for operations in OpError.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepSpec describes an operation to pre-register for batch execution.
type StepSpec struct {
	Type   OpType
	Source string
	Dest   string
}

// Stats summarizes journal contents for the stats command and metrics.
type Stats struct {
	ActiveTransactions     int64
	CommittedTransactions  int64
	RolledBackTransactions int64
	TotalOperations        int64
	ErrorOperations        int64
	OldestActive           time.Time
}

// Store is the durable journal.
//
// Implementations must make each method atomic with respect to the
// others; the saga coordinator and recovery manager call them from
// different goroutines.
type Store interface {
	// Begin creates a new active transaction in the given mode.
	Begin(ctx context.Context, mode Mode) (*Transaction, error)

	// GetTransaction fetches a transaction by ID.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// SetTransactionStatus advances a transaction's lifecycle state.
	// A terminal status stamps CompletedAt; reason is stored as the
	// transaction's ErrorMessage and should be empty on commit.
	SetTransactionStatus(ctx context.Context, txID string, status TxStatus, reason string) error

	// RegisterSteps inserts the full plan of a batch transaction at
	// OpPending, assigning sequence numbers in order.
	RegisterSteps(ctx context.Context, txID string, steps []StepSpec) ([]Operation, error)

	// AppendCompleted records an operation that has already succeeded,
	// assigning the next sequence number. Used by saga mode, where the
	// journal only ever holds completed work.
	AppendCompleted(ctx context.Context, txID string, op Operation) (*Operation, error)

	// MarkStarted moves a pending operation to OpStarted.
	MarkStarted(ctx context.Context, opID string) error

	// MarkCompleted moves a started operation to OpCompleted, recording
	// the resolved destination and any backup reference.
	MarkCompleted(ctx context.Context, opID, finalDest, backupRef string) error

	// MarkError records an operation failure.
	MarkError(ctx context.Context, opID, message string) error

	// MarkRolledBack records that an operation's effects were undone.
	MarkRolledBack(ctx context.Context, opID string) error

	// GetOperations returns a transaction's operations in ascending Seq.
	GetOperations(ctx context.Context, txID string) ([]Operation, error)

	// GetStepsForRollback returns the completed operations of a
	// transaction in descending Seq, the order compensation runs in.
	GetStepsForRollback(ctx context.Context, txID string) ([]Operation, error)

	// FindIncomplete returns all active transactions, oldest first.
	// Recovery processes them in this order.
	FindIncomplete(ctx context.Context) ([]Transaction, error)

	// Stats summarizes the journal.
	Stats(ctx context.Context) (Stats, error)

	// Sweep deletes terminal transactions (and their operations) older
	// than the cutoff, returning the number of transactions removed.
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases the underlying database.
	Close() error
}
