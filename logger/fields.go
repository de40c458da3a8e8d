package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across metis.
const (
	// Record identity
	FieldDatasetID      = "dataset_id"
	FieldExecutionID    = "execution_id"
	FieldExecutionName  = "execution_name"
	FieldSourceRecordID = "source_record_id"
	FieldRecordID       = "record_id"

	// Orchestration
	FieldStage             = "stage"
	FieldSourceExecutionID = "source_execution_id"
	FieldChainState        = "chain_state"
	FieldClassification    = "classification"

	// Components
	FieldWorkerID = "worker_id"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount      = "count"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status
	FieldStatus = "status"
)

type contextKey string

const (
	datasetIDKey   contextKey = "logger_dataset_id"
	executionIDKey contextKey = "logger_execution_id"
)

// WithDatasetID adds a dataset ID to the context for logging
func WithDatasetID(ctx context.Context, datasetID string) context.Context {
	return context.WithValue(ctx, datasetIDKey, datasetID)
}

// WithExecutionID adds a stage execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(datasetIDKey).(string); ok && id != "" {
		fields = append(fields, FieldDatasetID, id)
	}
	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}

	return fields
}

// FromContext returns l decorated with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	type Orchestrator struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func New() *Orchestrator {
//	    return &Orchestrator{logger: logger.ComponentLogger("orchestrator")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
