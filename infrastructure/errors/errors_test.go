package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeInvalidConfig, "test message", http.StatusInternalServerError),
			want: "[CFG_3002] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[INTERNAL_9001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeMalformedEvent, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}
	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestConnectionLost(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	err := ConnectionLost("redis", underlying)

	if err.Code != ErrCodeConnectionLost {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConnectionLost)
	}
	if err.Details["target"] != "redis" {
		t.Errorf("Details[target] = %v, want redis", err.Details["target"])
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestReadTimeout(t *testing.T) {
	underlying := errors.New("deadline exceeded")
	err := ReadTimeout("harvest_poll", underlying)

	if err.Code != ErrCodeReadTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeReadTimeout)
	}
	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
}

func TestStreamBackpressure(t *testing.T) {
	err := StreamBackpressure("mysql:raw_events", 50000)

	if err.Code != ErrCodeStreamBackpressure {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStreamBackpressure)
	}
	if err.Details["pending"] != int64(50000) {
		t.Errorf("Details[pending] = %v, want 50000", err.Details["pending"])
	}
}

func TestMalformedEvent(t *testing.T) {
	underlying := errors.New("unexpected token")
	err := MalformedEvent("invalid json payload", underlying)

	if err.Code != ErrCodeMalformedEvent {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMalformedEvent)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
}

func TestSchemaMismatch(t *testing.T) {
	err := SchemaMismatch("v2", "v1")

	if err.Code != ErrCodeSchemaMismatch {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeSchemaMismatch)
	}
	if err.Details["expected"] != "v2" {
		t.Errorf("Details[expected] = %v, want v2", err.Details["expected"])
	}
}

func TestMissingConfig(t *testing.T) {
	err := MissingConfig("SINK_DSN")

	if err.Code != ErrCodeMissingConfig {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingConfig)
	}
	if err.Details["key"] != "SINK_DSN" {
		t.Errorf("Details[key] = %v, want SINK_DSN", err.Details["key"])
	}
}

func TestInvalidConfig(t *testing.T) {
	err := InvalidConfig("WINDOW_MINUTES", "must be positive")

	if err.Code != ErrCodeInvalidConfig {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
	}
	if err.Details["reason"] != "must be positive" {
		t.Errorf("Details[reason] = %v, want 'must be positive'", err.Details["reason"])
	}
}

func TestInvariantViolation(t *testing.T) {
	err := InvariantViolation("cursor must be monotonic")

	if err.Code != ErrCodeInvariantViolation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvariantViolation)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
}

func TestSinkConflict(t *testing.T) {
	underlying := errors.New("duplicate key")
	err := SinkConflict("detected_anomalies", underlying)

	if err.Code != ErrCodeSinkConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeSinkConflict)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestSinkRollback(t *testing.T) {
	underlying := errors.New("constraint violation")
	err := SinkRollback(42, underlying)

	if err.Code != ErrCodeSinkRollback {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeSinkRollback)
	}
	if err.Details["batch_size"] != 42 {
		t.Errorf("Details[batch_size] = %v, want 42", err.Details["batch_size"])
	}
}

func TestMigrationFailed(t *testing.T) {
	underlying := errors.New("syntax error")
	err := MigrationFailed(3, underlying)

	if err.Code != ErrCodeMigrationFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMigrationFailed)
	}
	if err.Details["version"] != uint(3) {
		t.Errorf("Details[version] = %v, want 3", err.Details["version"])
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("unexpected nil pointer")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "service error", err: New(ErrCodeInternal, "test", http.StatusInternalServerError), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{name: "service error", err: serviceErr, want: serviceErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "service error", err: New(ErrCodeReadTimeout, "test", http.StatusGatewayTimeout), want: http.StatusGatewayTimeout},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "connection lost", err: ConnectionLost("redis", errors.New("x")), want: true},
		{name: "read timeout", err: ReadTimeout("poll", errors.New("x")), want: true},
		{name: "malformed event", err: MalformedEvent("bad json", errors.New("x")), want: false},
		{name: "invariant violation", err: InvariantViolation("x"), want: false},
		{name: "standard error", err: errors.New("plain"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
