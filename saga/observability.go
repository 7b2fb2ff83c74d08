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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const sagaTracerName = "filesafe.saga"

// Tracer provides OpenTelemetry tracing for transaction execution.
//
// # Description
//
// Wraps the OpenTelemetry tracer with transaction-specific span creation
// and attribute management. When disabled, returns noop spans for zero
// overhead.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new transaction tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(sagaTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartExecute starts a span for a transaction execution.
func (t *Tracer) StartExecute(ctx context.Context, operations int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "saga.execute",
		trace.WithAttributes(
			attribute.Int("tx.operations", operations),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, span
}

// EndExecute completes an execution span.
//
// # Inputs
//
//   - span: The span to end.
//   - result: The transaction result (may be nil on early failure).
//   - err: Error if execution failed.
func (t *Tracer) EndExecute(span trace.Span, result *Result, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if result != nil {
		span.SetAttributes(
			attribute.String("tx.id", result.TxID),
			attribute.String("tx.status", string(result.Status)),
			attribute.Bool("tx.orphaned", result.Orphaned),
			attribute.Int("tx.rollback_errors", len(result.RollbackErrs)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartStep starts a span for one operation within a transaction.
func (t *Tracer) StartStep(ctx context.Context, txID string, seq int, req OperationRequest) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "saga.step",
		trace.WithAttributes(
			attribute.String("tx.id", txID),
			attribute.Int("op.seq", seq),
			attribute.String("op.type", string(req.Type)),
			attribute.String("op.source", truncateForTrace(req.Source, 256)),
			attribute.String("op.dest", truncateForTrace(req.Dest, 256)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, span
}

// EndStep completes a step span.
func (t *Tracer) EndStep(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// truncateForTrace bounds attribute values so a pathological path cannot
// bloat trace storage.
func truncateForTrace(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
