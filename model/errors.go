package model

import (
	"errors"
	"fmt"
	"strings"
)

// Transport error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Widget runtime error codes.
const (
	ErrPackageNotFound        = "PACKAGE_NOT_FOUND"
	ErrManifestInvalid        = "MANIFEST_INVALID"
	ErrTransformCompileFailed = "TRANSFORM_COMPILE_FAILED"
	ErrConfigurationMissing   = "CONFIGURATION_MISSING"
	ErrTransportFailure       = "TRANSPORT_FAILURE"
	ErrRequestFailed          = "REQUEST_FAILED"
	ErrResponseParseFailed    = "RESPONSE_PARSE_FAILED"
)

// ErrorEnvelope is the error type shared by the runtime and the HTTP layer.
// It implements the error interface.
type ErrorEnvelope struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	StatusCode int          `json:"status_code,omitempty"`
	TraceID    string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Fields returns the field names listed in Details.
func (e *ErrorEnvelope) Fields() []string {
	out := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		out = append(out, d.Field)
	}
	return out
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the ErrorEnvelope code carried by err, or "".
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewPackageNotFoundError returns a PACKAGE_NOT_FOUND error for widgetID.
func NewPackageNotFoundError(widgetID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPackageNotFound,
		Message: fmt.Sprintf("widget package %q not found", widgetID),
		cause:   cause,
	}
}

// NewManifestInvalidError returns a MANIFEST_INVALID error listing every
// problem found.
func NewManifestInvalidError(widgetID string, problems []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(problems))
	for _, p := range problems {
		details = append(details, FieldError{Field: "manifest", Code: "INVALID", Message: p})
	}
	return &ErrorEnvelope{
		Code:    ErrManifestInvalid,
		Message: fmt.Sprintf("widget %q manifest invalid: %s", widgetID, strings.Join(problems, "; ")),
		Details: details,
	}
}

// NewTransformCompileFailedError returns a TRANSFORM_COMPILE_FAILED error.
func NewTransformCompileFailedError(widgetID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransformCompileFailed,
		Message: fmt.Sprintf("widget %q transform failed to compile: %v", widgetID, cause),
		cause:   cause,
	}
}

// NewConfigurationMissingError returns a CONFIGURATION_MISSING error listing
// the absent required fields.
func NewConfigurationMissingError(fields []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(fields))
	for _, f := range fields {
		details = append(details, FieldError{Field: f, Code: "REQUIRED", Message: f + " is required"})
	}
	return &ErrorEnvelope{
		Code:    ErrConfigurationMissing,
		Message: "Configuration required: " + strings.Join(fields, ", "),
		Details: details,
	}
}

// NewTransportFailureError returns a TRANSPORT_FAILURE error.
func NewTransportFailureError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransportFailure,
		Message: fmt.Sprintf("request could not be sent: %v", cause),
		cause:   cause,
	}
}

// NewRequestFailedError returns a REQUEST_FAILED error for a non-2xx status.
func NewRequestFailedError(status int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrRequestFailed,
		Message:    fmt.Sprintf("request failed with status %d", status),
		StatusCode: status,
	}
}

// NewResponseParseFailedError returns a RESPONSE_PARSE_FAILED error.
func NewResponseParseFailedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrResponseParseFailed,
		Message: fmt.Sprintf("response is not valid JSON: %v", cause),
		cause:   cause,
	}
}
