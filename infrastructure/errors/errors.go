// Package errors provides unified error handling for the pipeline's
// processes. Every failure that crosses a component boundary is
// classified into one of five kinds so callers can decide whether to
// retry, halt, or escalate without string-matching messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Transient I/O errors (1xxx) — retryable: network blips, connection
	// resets, deadline exceeded on a downstream dependency.
	ErrCodeConnectionLost  ErrorCode = "IO_1001"
	ErrCodeReadTimeout     ErrorCode = "IO_1002"
	ErrCodeWriteTimeout    ErrorCode = "IO_1003"
	ErrCodeStreamBackpressure ErrorCode = "IO_1004"

	// Structural errors (2xxx) — malformed input that cannot be
	// processed: unparseable event, schema mismatch, truncated record.
	ErrCodeMalformedEvent  ErrorCode = "STRUCT_2001"
	ErrCodeSchemaMismatch  ErrorCode = "STRUCT_2002"
	ErrCodeDecodeFailed    ErrorCode = "STRUCT_2003"

	// Configuration errors (3xxx) — bad or missing configuration,
	// detected at startup or reload.
	ErrCodeMissingConfig   ErrorCode = "CFG_3001"
	ErrCodeInvalidConfig   ErrorCode = "CFG_3002"
	ErrCodeConfigReload    ErrorCode = "CFG_3003"

	// Logic errors (4xxx) — an invariant the code itself should have
	// upheld was violated; these indicate a defect, not bad input.
	ErrCodeInvariantViolation ErrorCode = "LOGIC_4001"
	ErrCodeUnreachableState   ErrorCode = "LOGIC_4002"

	// Sink integrity errors (5xxx) — the relational sink rejected or
	// partially applied a batch.
	ErrCodeSinkConflict    ErrorCode = "SINK_5001"
	ErrCodeSinkRollback    ErrorCode = "SINK_5002"
	ErrCodeMigrationFailed ErrorCode = "SINK_5003"

	// Generic internal error, used when no more specific code applies.
	ErrCodeInternal ErrorCode = "INTERNAL_9001"
)

// ServiceError represents a structured, classified pipeline error.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional context to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Transient I/O errors — callers should retry with backoff.

func ConnectionLost(target string, err error) *ServiceError {
	return Wrap(ErrCodeConnectionLost, "connection lost", http.StatusServiceUnavailable, err).
		WithDetails("target", target)
}

func ReadTimeout(operation string, err error) *ServiceError {
	return Wrap(ErrCodeReadTimeout, "read timed out", http.StatusGatewayTimeout, err).
		WithDetails("operation", operation)
}

func WriteTimeout(operation string, err error) *ServiceError {
	return Wrap(ErrCodeWriteTimeout, "write timed out", http.StatusGatewayTimeout, err).
		WithDetails("operation", operation)
}

func StreamBackpressure(stream string, pending int64) *ServiceError {
	return New(ErrCodeStreamBackpressure, "stream consumer falling behind", http.StatusServiceUnavailable).
		WithDetails("stream", stream).
		WithDetails("pending", pending)
}

// Structural errors — the record itself cannot be processed.

func MalformedEvent(reason string, err error) *ServiceError {
	return Wrap(ErrCodeMalformedEvent, "malformed event", http.StatusBadRequest, err).
		WithDetails("reason", reason)
}

func SchemaMismatch(expected, got string) *ServiceError {
	return New(ErrCodeSchemaMismatch, "schema mismatch", http.StatusBadRequest).
		WithDetails("expected", expected).
		WithDetails("got", got)
}

func DecodeFailed(format string, err error) *ServiceError {
	return Wrap(ErrCodeDecodeFailed, "decode failed", http.StatusBadRequest, err).
		WithDetails("format", format)
}

// Configuration errors — fail fast at startup or reload.

func MissingConfig(key string) *ServiceError {
	return New(ErrCodeMissingConfig, "missing required configuration", http.StatusInternalServerError).
		WithDetails("key", key)
}

func InvalidConfig(key, reason string) *ServiceError {
	return New(ErrCodeInvalidConfig, "invalid configuration", http.StatusInternalServerError).
		WithDetails("key", key).
		WithDetails("reason", reason)
}

func ConfigReloadFailed(err error) *ServiceError {
	return Wrap(ErrCodeConfigReload, "configuration reload failed", http.StatusInternalServerError, err)
}

// Logic errors — a code invariant was violated; these are defects.

func InvariantViolation(invariant string) *ServiceError {
	return New(ErrCodeInvariantViolation, "invariant violated", http.StatusInternalServerError).
		WithDetails("invariant", invariant)
}

func UnreachableState(where string) *ServiceError {
	return New(ErrCodeUnreachableState, "unreachable state reached", http.StatusInternalServerError).
		WithDetails("where", where)
}

// Sink integrity errors.

func SinkConflict(table string, err error) *ServiceError {
	return Wrap(ErrCodeSinkConflict, "sink write conflict", http.StatusConflict, err).
		WithDetails("table", table)
}

func SinkRollback(batchSize int, err error) *ServiceError {
	return Wrap(ErrCodeSinkRollback, "sink batch rolled back", http.StatusInternalServerError, err).
		WithDetails("batch_size", batchSize)
}

func MigrationFailed(version uint, err error) *ServiceError {
	return Wrap(ErrCodeMigrationFailed, "migration failed", http.StatusInternalServerError, err).
		WithDetails("version", version)
}

// Internal is a catch-all for unclassified internal failures (e.g.
// recovered panics).
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the error is a transient I/O error that
// a caller should retry with backoff.
func IsRetryable(err error) bool {
	serviceErr := GetServiceError(err)
	if serviceErr == nil {
		return false
	}
	switch serviceErr.Code {
	case ErrCodeConnectionLost, ErrCodeReadTimeout, ErrCodeWriteTimeout, ErrCodeStreamBackpressure:
		return true
	default:
		return false
	}
}
