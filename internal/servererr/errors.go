// Package servererr provides the structured error taxonomy shared by the
// HTTP edge, the command/query services, and the worker's retry/DLQ
// classification logic.
package servererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the class of an AppError.
type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeDuplicate           Code = "DUPLICATE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeStateTransition     Code = "STATE_TRANSITION"
	CodeRecoverable         Code = "RECOVERABLE"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeIntegrity           Code = "INTEGRITY"
	CodeInternal            Code = "INTERNAL"
)

// AppError is the single error type surfaced across package boundaries.
// Code drives both HTTP status mapping (§7) and worker retry/DLQ
// classification (§4.6).
type AppError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Detail     map[string]interface{}
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

func new_(code Code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

func wrap(code Code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Validation errors (400 / PermanentError at the worker edge).

func Validation(message string) *AppError {
	return new_(CodeValidation, message, http.StatusBadRequest)
}

func ValidationErrors(reasons []string) *AppError {
	return Validation("validation failed").WithDetail("errors", reasons)
}

// Duplicate errors (409, except idempotency-key collision which returns the
// existing record per §7).

func Duplicate(message string) *AppError {
	return new_(CodeDuplicate, message, http.StatusConflict)
}

func DuplicateDocument(country string) *AppError {
	return Duplicate("an active application already exists for this document").
		WithDetail("country", country)
}

// NotFound errors (404 / PermanentError).

func NotFound(resource, id string) *AppError {
	return new_(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// StateTransition errors (400 / PermanentError).

func StateTransition(from, to string) *AppError {
	return new_(CodeStateTransition, fmt.Sprintf("cannot transition from %s to %s", from, to), http.StatusBadRequest).
		WithDetail("from", from).
		WithDetail("to", to)
}

// Recoverable errors: provider error, network timeout, DB connection error.
// Worker retries; finally DLQ with is_retryable=true.

func Recoverable(message string, err error) *AppError {
	return wrap(CodeRecoverable, message, http.StatusBadGateway, err)
}

func NetworkTimeout(operation string, err error) *AppError {
	return wrap(CodeRecoverable, fmt.Sprintf("%s timed out", operation), http.StatusGatewayTimeout, err).
		WithDetail("error_type", "NetworkTimeoutError")
}

func ExternalService(provider string, err error) *AppError {
	return wrap(CodeRecoverable, fmt.Sprintf("provider %s call failed", provider), http.StatusBadGateway, err).
		WithDetail("error_type", "ExternalServiceError")
}

// ProviderUnavailable: circuit is OPEN. Recoverable and flagged
// is_retryable=true for the retry scheduler.

func ProviderUnavailable(country, provider string) *AppError {
	return new_(CodeProviderUnavailable, fmt.Sprintf("provider %s is unavailable for %s", provider, country), http.StatusServiceUnavailable).
		WithDetail("country", country).
		WithDetail("provider", provider)
}

// Integrity: store-level unique violation surfaced from a race. The caller
// re-reads and converts this into Duplicate or AlreadyProcessed.

func Integrity(message string, err error) *AppError {
	return wrap(CodeIntegrity, message, http.StatusConflict, err)
}

// Internal: fatal/unknown (500 / queued retries / eventually DLQ).

func Internal(message string, err error) *AppError {
	return wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// As extracts an *AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatus returns the status code to use at the HTTP edge for err.
func HTTPStatus(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRecoverable reports whether err belongs to the retryable classes
// consulted by the circuit breaker (§4.5) and the worker (§4.6):
// RecoverableError, ExternalServiceError, NetworkTimeoutError, and
// ProviderUnavailable (circuit open).
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeRecoverable, CodeProviderUnavailable:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err must not be retried: Validation,
// NotFound, StateTransition, Duplicate.
func IsPermanent(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeValidation, CodeNotFound, CodeStateTransition, CodeDuplicate:
		return true
	default:
		return false
	}
}

// IsRetryableByScheduler reports whether a DLQ entry for err is eligible for
// C11's periodic re-enqueue (§4.9): ProviderUnavailable, NetworkTimeout and
// ExternalService only.
func IsRetryableByScheduler(errorType string) bool {
	switch errorType {
	case "ProviderUnavailableError", "NetworkTimeoutError", "ExternalServiceError":
		return true
	default:
		return false
	}
}

// Envelope is the stable JSON error shape returned at the HTTP edge (§7).
type Envelope struct {
	Error     string                 `json:"error"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ToEnvelope converts err into the wire envelope for a given request id.
func ToEnvelope(err error, requestID string) Envelope {
	if appErr, ok := As(err); ok {
		return Envelope{Error: appErr.Message, Detail: appErr.Detail, RequestID: requestID}
	}
	return Envelope{Error: "internal error", RequestID: requestID}
}
