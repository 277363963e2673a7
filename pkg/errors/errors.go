// Package errors provides the standardized error type used across the
// lineage-tracing core, carrying the error kinds named in the trace-engine
// and event-log error handling design.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// TraceError is the error type returned by every package in this module.
type TraceError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Fatal      bool                   `json:"fatal"`
}

// Error codes. Each one corresponds to an error kind from the core's error
// handling design.
const (
	// CodeUnsupportedLineageOp: a dataset transformation variant has no
	// lifted form. Fatal to the trace.
	CodeUnsupportedLineageOp = "UNSUPPORTED_LINEAGE_OP"
	// CodeCyclicLineage: the dependency graph is not a DAG. Fatal.
	CodeCyclicLineage = "CYCLIC_LINEAGE"
	// CodeCorruptLog: an event-log record could not be read. Stops replay;
	// already-loaded events remain valid.
	CodeCorruptLog = "CORRUPT_LOG"
	// CodeLogIoFailure: underlying I/O failure while reading/writing the log.
	CodeLogIoFailure = "LOG_IO_FAILURE"
	// CodeChecksumMismatch: recorded, never fatal, surfaced via query.
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	// CodeTagSpaceExhausted: unique-tag id encoding overflowed. Fatal.
	CodeTagSpaceExhausted = "TAG_SPACE_EXHAUSTED"
	// CodeEngineFailure: propagated unchanged from the underlying dataflow
	// engine.
	CodeEngineFailure = "ENGINE_FAILURE"
	// CodeConfigInvalid: configuration failed validation at startup.
	CodeConfigInvalid = "CONFIG_INVALID"
)

// New creates a new TraceError. Most callers should use one of the
// constructors below instead of calling New directly.
func New(code, component, operation, message string) *TraceError {
	_, file, line, _ := runtime.Caller(1)
	return &TraceError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface.
func (e *TraceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/errors.As.
func (e *TraceError) Unwrap() error { return e.Cause }

// Wrap sets the cause and returns the receiver.
func (e *TraceError) Wrap(cause error) *TraceError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a key/value pair, for example the dataset id or
// partition index involved.
func (e *TraceError) WithMetadata(key string, value interface{}) *TraceError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ToMap renders the error for structured logging.
func (e *TraceError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_fatal":     e.Fatal,
		"error_timestamp": e.Timestamp,
	}
	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}
	return result
}

// UnsupportedLineageOp reports a transformation variant with no lift case.
func UnsupportedLineageOp(component, operation, variant string) *TraceError {
	e := New(CodeUnsupportedLineageOp, component, operation,
		fmt.Sprintf("transformation variant %q has no lifted form", variant))
	e.Fatal = true
	return e.WithMetadata("variant", variant)
}

// CyclicLineage reports a DAG invariant violation discovered during a walk.
func CyclicLineage(component, operation string, datasetID int) *TraceError {
	e := New(CodeCyclicLineage, component, operation,
		fmt.Sprintf("cycle detected reaching dataset %d", datasetID))
	e.Fatal = true
	return e.WithMetadata("dataset_id", datasetID)
}

// CorruptLog reports a malformed or truncated event-log record.
func CorruptLog(component, operation string, cause error) *TraceError {
	e := New(CodeCorruptLog, component, operation, "event log record is corrupt or truncated")
	e.Fatal = true
	return e.Wrap(cause)
}

// LogIoFailure wraps an I/O error encountered reading or writing the log.
func LogIoFailure(component, operation string, cause error) *TraceError {
	e := New(CodeLogIoFailure, component, operation, "event log I/O failure")
	e.Fatal = true
	return e.Wrap(cause)
}

// ChecksumMismatch reports a recomputed checksum that disagrees with the
// value recorded in the event log. Non-fatal: the mismatch is recorded
// against the block or task and surfaced to callers via query, but replay
// continues.
func ChecksumMismatch(component, operation string, datasetID, partitionIndex int, kind string, expected, got uint32) *TraceError {
	e := New(CodeChecksumMismatch, component, operation,
		fmt.Sprintf("%s checksum mismatch for dataset %d partition %d: expected %d, got %d",
			kind, datasetID, partitionIndex, expected, got))
	e.WithMetadata("dataset_id", datasetID)
	e.WithMetadata("partition_index", partitionIndex)
	e.WithMetadata("kind", kind)
	e.WithMetadata("expected", expected)
	e.WithMetadata("got", got)
	return e
}

// TagSpaceExhausted reports that the unique tagger's id space overflowed.
func TagSpaceExhausted(component, operation string) *TraceError {
	e := New(CodeTagSpaceExhausted, component, operation, "unique tag id space exhausted")
	e.Fatal = true
	return e
}

// EngineFailure wraps an error surfaced unchanged from the dataflow engine.
func EngineFailure(component, operation string, cause error) *TraceError {
	e := New(CodeEngineFailure, component, operation, "underlying dataflow engine failure")
	e.Fatal = true
	return e.Wrap(cause)
}

// ConfigError reports an invalid configuration value found during startup
// validation.
func ConfigError(operation, message string) *TraceError {
	e := New(CodeConfigInvalid, "config", operation, message)
	e.Fatal = true
	return e
}

// As reports whether err is a *TraceError and returns it.
func As(err error) (*TraceError, bool) {
	te, ok := err.(*TraceError)
	return te, ok
}
