// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite implements the journal store on an embedded SQLite
// database in WAL mode, using the pure-Go modernc driver so the binary
// stays cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/filesafe/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id         TEXT PRIMARY KEY,
    mode          TEXT NOT NULL CHECK (mode IN ('saga', 'batch')),
    status        TEXT NOT NULL CHECK (status IN ('active', 'committed', 'rolled_back')),
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    completed_at  TIMESTAMP,
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS operations (
    id         TEXT PRIMARY KEY,
    tx_id      TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL CHECK (type IN ('move', 'copy', 'delete', 'create')),
    status     TEXT NOT NULL CHECK (status IN ('pending', 'started', 'completed', 'error', 'rolled_back')),
    source     TEXT NOT NULL,
    dest       TEXT NOT NULL,
    final_dest TEXT NOT NULL DEFAULT '',
    backup_ref TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (tx_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_operations_tx ON operations(tx_id, seq);
CREATE INDEX IF NOT EXISTS idx_operations_tx_status ON operations(tx_id, status);
`

// Store implements journal.Store on SQLite.
type Store struct {
	db *sql.DB

	// now and newID are injectable for tests.
	now   func() time.Time
	newID func() string
}

// compile-time interface check
var _ journal.Store = (*Store)(nil)

// Open creates or opens a journal database at the given path, applying
// the schema and WAL pragmas. The parent directory is created if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

// OpenInMemory opens a private in-memory journal, for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file:journal?mode=memory&cache=shared&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin creates a new active transaction in the given mode.
func (s *Store) Begin(ctx context.Context, mode journal.Mode) (*journal.Transaction, error) {
	tx := &journal.Transaction{
		ID:        s.newID(),
		Mode:      mode,
		Status:    journal.TxActive,
		CreatedAt: s.now(),
	}
	tx.UpdatedAt = tx.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, mode, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tx.ID, string(tx.Mode), string(tx.Status), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// GetTransaction fetches a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txID string) (*journal.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, status, created_at, updated_at, completed_at, error_message
		 FROM transactions WHERE id = ?`, txID)

	var tx journal.Transaction
	var mode, status string
	var completed sql.NullTime
	err := row.Scan(&tx.ID, &mode, &status, &tx.CreatedAt, &tx.UpdatedAt, &completed, &tx.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txID, journal.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	tx.Mode = journal.Mode(mode)
	tx.Status = journal.TxStatus(status)
	if completed.Valid {
		tx.CompletedAt = completed.Time
	}
	return &tx, nil
}

// SetTransactionStatus advances a transaction's lifecycle state. Moving
// into a terminal state stamps completed_at and records the reason;
// moving back to active clears both.
func (s *Store) SetTransactionStatus(ctx context.Context, txID string, status journal.TxStatus, reason string) error {
	now := s.now()

	var res sql.Result
	var err error
	if status == journal.TxActive {
		res, err = s.db.ExecContext(ctx,
			`UPDATE transactions SET status = ?, updated_at = ?, completed_at = NULL, error_message = '' WHERE id = ?`,
			string(status), now, txID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE transactions SET status = ?, updated_at = ?, completed_at = ?, error_message = ? WHERE id = ?`,
			string(status), now, now, reason, txID)
	}
	if err != nil {
		return fmt.Errorf("set transaction status: %w", err)
	}
	return s.requireRow(res, txID)
}

// RegisterSteps inserts a batch transaction's full plan at pending.
func (s *Store) RegisterSteps(ctx context.Context, txID string, steps []journal.StepSpec) ([]journal.Operation, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("register steps: %w", err)
	}
	defer dbTx.Rollback()

	next, err := s.nextSeq(ctx, dbTx, txID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ops := make([]journal.Operation, 0, len(steps))
	for i, step := range steps {
		op := journal.Operation{
			ID:        s.newID(),
			TxID:      txID,
			Seq:       next + i,
			Type:      step.Type,
			Status:    journal.OpPending,
			Source:    step.Source,
			Dest:      step.Dest,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := dbTx.ExecContext(ctx,
			`INSERT INTO operations (id, tx_id, seq, type, status, source, dest, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.TxID, op.Seq, string(op.Type), string(op.Status),
			op.Source, op.Dest, op.CreatedAt, op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("register step %d: %w", op.Seq, err)
		}
		ops = append(ops, op)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("register steps: %w", err)
	}
	return ops, nil
}

// AppendCompleted records an already-successful operation at the next
// sequence number.
func (s *Store) AppendCompleted(ctx context.Context, txID string, op journal.Operation) (*journal.Operation, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append operation: %w", err)
	}
	defer dbTx.Rollback()

	seq, err := s.nextSeq(ctx, dbTx, txID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	op.ID = s.newID()
	op.TxID = txID
	op.Seq = seq
	op.Status = journal.OpCompleted
	op.CreatedAt = now
	op.UpdatedAt = now

	if _, err := dbTx.ExecContext(ctx,
		`INSERT INTO operations (id, tx_id, seq, type, status, source, dest, final_dest, backup_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TxID, op.Seq, string(op.Type), string(op.Status),
		op.Source, op.Dest, op.FinalDest, op.BackupRef, op.CreatedAt, op.UpdatedAt); err != nil {
		return nil, fmt.Errorf("append operation: %w", err)
	}
	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("append operation: %w", err)
	}
	return &op, nil
}

// MarkStarted moves a pending operation to started.
func (s *Store) MarkStarted(ctx context.Context, opID string) error {
	return s.setOpStatus(ctx, opID, journal.OpStarted,
		`UPDATE operations SET status = ?, updated_at = ? WHERE id = ?`)
}

// MarkCompleted moves a started operation to completed, recording the
// resolved destination and backup reference.
func (s *Store) MarkCompleted(ctx context.Context, opID, finalDest, backupRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, final_dest = ?, backup_ref = ?, updated_at = ? WHERE id = ?`,
		string(journal.OpCompleted), finalDest, backupRef, s.now(), opID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return s.requireRow(res, opID)
}

// MarkError records an operation failure.
func (s *Store) MarkError(ctx context.Context, opID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(journal.OpError), message, s.now(), opID)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return s.requireRow(res, opID)
}

// MarkRolledBack records that an operation's effects were undone.
func (s *Store) MarkRolledBack(ctx context.Context, opID string) error {
	return s.setOpStatus(ctx, opID, journal.OpRolledBack,
		`UPDATE operations SET status = ?, updated_at = ? WHERE id = ?`)
}

// GetOperations returns a transaction's operations in ascending seq.
func (s *Store) GetOperations(ctx context.Context, txID string) ([]journal.Operation, error) {
	return s.queryOperations(ctx,
		`SELECT id, tx_id, seq, type, status, source, dest, final_dest, backup_ref, error, created_at, updated_at
		 FROM operations WHERE tx_id = ? ORDER BY seq ASC`, txID)
}

// GetStepsForRollback returns the completed operations of a transaction
// in descending seq.
func (s *Store) GetStepsForRollback(ctx context.Context, txID string) ([]journal.Operation, error) {
	return s.queryOperations(ctx,
		`SELECT id, tx_id, seq, type, status, source, dest, final_dest, backup_ref, error, created_at, updated_at
		 FROM operations WHERE tx_id = ? AND status = ? ORDER BY seq DESC`,
		txID, string(journal.OpCompleted))
}

// FindIncomplete returns all active transactions, oldest first.
func (s *Store) FindIncomplete(ctx context.Context) ([]journal.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, status, created_at, updated_at, completed_at, error_message
		 FROM transactions WHERE status = ? ORDER BY created_at ASC`,
		string(journal.TxActive))
	if err != nil {
		return nil, fmt.Errorf("find incomplete: %w", err)
	}
	defer rows.Close()

	var out []journal.Transaction
	for rows.Next() {
		var tx journal.Transaction
		var mode, status string
		var completed sql.NullTime
		if err := rows.Scan(&tx.ID, &mode, &status, &tx.CreatedAt, &tx.UpdatedAt, &completed, &tx.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Mode = journal.Mode(mode)
		tx.Status = journal.TxStatus(status)
		if completed.Valid {
			tx.CompletedAt = completed.Time
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Stats summarizes the journal.
func (s *Store) Stats(ctx context.Context) (journal.Stats, error) {
	var st journal.Stats

	row := s.db.QueryRowContext(ctx, `
		SELECT
		    COUNT(CASE WHEN status = 'active' THEN 1 END),
		    COUNT(CASE WHEN status = 'committed' THEN 1 END),
		    COUNT(CASE WHEN status = 'rolled_back' THEN 1 END)
		FROM transactions`)
	if err := row.Scan(&st.ActiveTransactions, &st.CommittedTransactions, &st.RolledBackTransactions); err != nil {
		return st, fmt.Errorf("journal stats: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(CASE WHEN status = 'error' THEN 1 END)
		FROM operations`)
	if err := row.Scan(&st.TotalOperations, &st.ErrorOperations); err != nil {
		return st, fmt.Errorf("journal stats: %w", err)
	}

	var oldest sql.NullTime
	row = s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM transactions WHERE status = 'active'`)
	if err := row.Scan(&oldest); err != nil {
		return st, fmt.Errorf("journal stats: %w", err)
	}
	if oldest.Valid {
		st.OldestActive = oldest.Time
	}
	return st, nil
}

// Sweep deletes terminal transactions older than the cutoff. Operation
// rows go first so a crash mid-sweep never leaves orphaned operations
// pointing at a deleted transaction.
func (s *Store) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx,
		`DELETE FROM operations WHERE tx_id IN (
		     SELECT id FROM transactions
		     WHERE status IN ('committed', 'rolled_back') AND completed_at < ?)`,
		olderThan); err != nil {
		return 0, fmt.Errorf("sweep operations: %w", err)
	}

	res, err := dbTx.ExecContext(ctx,
		`DELETE FROM transactions
		 WHERE status IN ('committed', 'rolled_back') AND completed_at < ?`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep transactions: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return removed, nil
}

func (s *Store) setOpStatus(ctx context.Context, opID string, status journal.OpStatus, query string) error {
	res, err := s.db.ExecContext(ctx, query, string(status), s.now(), opID)
	if err != nil {
		return fmt.Errorf("set operation status %s: %w", status, err)
	}
	return s.requireRow(res, opID)
}

func (s *Store) requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, journal.ErrNotFound)
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, dbTx *sql.Tx, txID string) (int, error) {
	// Verify the transaction exists so a typo'd ID fails loudly instead
	// of inserting orphan rows.
	var one int
	err := dbTx.QueryRowContext(ctx,
		`SELECT 1 FROM transactions WHERE id = ?`, txID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("transaction %s: %w", txID, journal.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	var next int
	err = dbTx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM operations WHERE tx_id = ?`, txID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return next, nil
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]journal.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []journal.Operation
	for rows.Next() {
		var op journal.Operation
		var typ, status string
		if err := rows.Scan(&op.ID, &op.TxID, &op.Seq, &typ, &status,
			&op.Source, &op.Dest, &op.FinalDest, &op.BackupRef, &op.Error,
			&op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Type = journal.OpType(typ)
		op.Status = journal.OpStatus(status)
		out = append(out, op)
	}
	return out, rows.Err()
}
