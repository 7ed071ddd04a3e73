// Package apperrors defines the structured error taxonomy the fanout
// worker uses to classify failures and decide retry disposition.
package apperrors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the failure categories the worker distinguishes
// for retry/DLQ routing and operating-mode degradation.
type Kind string

const (
	KindParse               Kind = "parse_error"
	KindValidation          Kind = "validation_error"
	KindUnknownProcessor    Kind = "unknown_processor"
	KindProcessorValidation Kind = "processor_validation"
	KindProcessorExecution  Kind = "processor_execution"
	KindDbConnection        Kind = "db_connection"
	KindDbQuery             Kind = "db_query"
	KindDbPermission        Kind = "db_permission"
	KindPubSubConnection    Kind = "pubsub_connection"
	KindPubSubPublish       Kind = "pubsub_publish"
	KindTimeout             Kind = "timeout"
)

// retryable records, per Kind, whether the worker's classifier should
// retry the operation or route it directly to the DLQ/failure path.
var retryable = map[Kind]bool{
	KindParse:               false,
	KindValidation:          false,
	KindUnknownProcessor:    false,
	KindProcessorValidation: false,
	KindProcessorExecution:  true,
	KindDbConnection:        true,
	KindDbQuery:             true,
	KindDbPermission:        false,
	KindPubSubConnection:    true,
	KindPubSubPublish:       true,
	KindTimeout:             true,
}

// AppError is a structured application error carrying enough context for
// logging, alerting, and retry classification.
type AppError struct {
	Kind      Kind                   `json:"kind"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ToJSON serializes the error for structured logging/alerting sinks.
func (e *AppError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Retryable reports whether the classifier considers this error kind
// worth a retry, as opposed to an immediate terminal failure.
func (e *AppError) Retryable() bool {
	return retryable[e.Kind]
}

// New creates a new AppError of the given kind.
func New(kind Kind, code, message string) *AppError {
	return &AppError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Wrap creates a new AppError of the given kind wrapping a cause.
func Wrap(kind Kind, code, message string, cause error) *AppError {
	err := New(kind, code, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// WithTraceID attaches the envelope trace id to the error.
func (e *AppError) WithTraceID(traceID string) *AppError {
	e.TraceID = traceID
	return e
}

// WithDetails overrides the details string.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithMetadata attaches a key/value pair of diagnostic metadata.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Constructors for the taxonomy named in the error handling design.

func NewParseError(message string, cause error) *AppError {
	return Wrap(KindParse, "PARSE_ERROR", message, cause)
}

func NewValidationError(field, message string) *AppError {
	return New(KindValidation, "VALIDATION_ERROR", message).WithMetadata("field", field)
}

func NewUnknownProcessorError(documentType string) *AppError {
	return New(KindUnknownProcessor, "UNKNOWN_PROCESSOR",
		fmt.Sprintf("no processor registered for document type %q", documentType)).
		WithMetadata("document_type", documentType)
}

func NewProcessorValidationError(processorName, message string) *AppError {
	return New(KindProcessorValidation, "PROCESSOR_VALIDATION", message).
		WithMetadata("processor", processorName)
}

func NewProcessorExecutionError(processorName string, cause error) *AppError {
	return Wrap(KindProcessorExecution, "PROCESSOR_EXECUTION",
		fmt.Sprintf("processor %q failed", processorName), cause).
		WithMetadata("processor", processorName)
}

func NewDbConnectionError(cause error) *AppError {
	return Wrap(KindDbConnection, "DB_CONNECTION", "database connection failed", cause)
}

func NewDbQueryError(operation string, cause error) *AppError {
	return Wrap(KindDbQuery, "DB_QUERY", fmt.Sprintf("query failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewDbPermissionError(operation string, cause error) *AppError {
	return Wrap(KindDbPermission, "DB_PERMISSION", fmt.Sprintf("permission denied: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewPubSubConnectionError(cause error) *AppError {
	return Wrap(KindPubSubConnection, "PUBSUB_CONNECTION", "pub/sub connection failed", cause)
}

func NewPubSubPublishError(topic string, cause error) *AppError {
	return Wrap(KindPubSubPublish, "PUBSUB_PUBLISH", fmt.Sprintf("publish to %q failed", topic), cause).
		WithMetadata("topic", topic)
}

func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return New(KindTimeout, "TIMEOUT", fmt.Sprintf("operation timed out: %s", operation)).
		WithMetadata("operation", operation).
		WithMetadata("timeout", timeout.String())
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind == kind
	}
	return false
}

// KindOf returns the error kind if err is an *AppError.
func KindOf(err error) (Kind, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind, true
	}
	return "", false
}
