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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/filesafe/journal"
)

// Package-level meter for transaction metrics.
var meter = otel.Meter("filesafe.saga")

// Metric instruments for transaction operations.
var (
	executeTotal        metric.Int64Counter
	rollbackTotal       metric.Int64Counter
	transactionDuration metric.Float64Histogram
	operationsPerTx     metric.Int64Histogram
	rollbackDuration    metric.Float64Histogram
	activeGauge         metric.Int64UpDownCounter
	opDuration          metric.Float64Histogram
	opErrors            metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		executeTotal, err = meter.Int64Counter(
			"filesafe_transaction_total",
			metric.WithDescription("Total number of executed transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"filesafe_rollback_total",
			metric.WithDescription("Total number of transaction rollbacks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"filesafe_transaction_duration_seconds",
			metric.WithDescription("Duration of transactions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationsPerTx, err = meter.Int64Histogram(
			"filesafe_transaction_operations",
			metric.WithDescription("Number of operations per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackDuration, err = meter.Float64Histogram(
			"filesafe_rollback_duration_seconds",
			metric.WithDescription("Duration of rollbacks in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"filesafe_transaction_active",
			metric.WithDescription("Number of currently active transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opDuration, err = meter.Float64Histogram(
			"filesafe_operation_duration_seconds",
			metric.WithDescription("Duration of individual file operations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opErrors, err = meter.Int64Counter(
			"filesafe_operation_errors_total",
			metric.WithDescription("Total number of failed file operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordExecute records a finished transaction.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction ran, rollback included.
//   - operations: Number of requested operations.
//   - outcome: committed, rolled_back, or orphaned.
func recordExecute(ctx context.Context, duration time.Duration, operations int, outcome string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	executeTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	operationsPerTx.Record(ctx, int64(operations), attrs)
}

// recordRollback records a rollback pass.
func recordRollback(ctx context.Context, duration time.Duration, steps int, reason string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", normalizeRollbackReason(reason)),
	))
	rollbackDuration.Record(ctx, duration.Seconds())
}

// recordActive adjusts the active-transaction gauge.
func recordActive(ctx context.Context, delta int64) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	activeGauge.Add(ctx, delta)
}

// recordOperation records one file operation.
func recordOperation(ctx context.Context, opType journal.OpType, duration time.Duration, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("type", string(opType)))
	opDuration.Record(ctx, duration.Seconds(), attrs)
	if !success {
		opErrors.Add(ctx, 1, attrs)
	}
}

// normalizeRollbackReason normalizes rollback reasons to a bounded set.
func normalizeRollbackReason(reason string) string {
	switch reason {
	case "operation_failed", "journal_write_failed", "panic", "crash_recovery":
		return reason
	default:
		return "other"
	}
}
