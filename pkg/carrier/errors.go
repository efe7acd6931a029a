package carrier

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is a normalized error code shared by all carrier adapters.
type Code string

const (
	CodeAuthFailed           Code = "AUTH_FAILED"
	CodeServiceabilityFailed Code = "SERVICEABILITY_FAILED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeUpstreamError        Code = "UPSTREAM_ERROR"
	CodeInvalidAddress       Code = "INVALID_ADDRESS"
	CodeShipmentNotFound     Code = "SHIPMENT_NOT_FOUND"
	CodeBookingDisabled      Code = "BOOKING_DISABLED"
	CodeCannotCancelInState  Code = "CANNOT_CANCEL_IN_STATE"
	CodeNotSupported         Code = "NOT_SUPPORTED"
	CodeSignatureInvalid     Code = "SIGNATURE_INVALID"
	CodeProviderUnavailable  Code = "PROVIDER_UNAVAILABLE"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
)

// Error is the normalized error returned by every operation in this package
// and its adapters.
type Error struct {
	Code          Code
	Message       string
	Details       map[string]any
	CorrelationID string
	Cause         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so callers can compare against sentinels built
// with NewError(code, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a normalized carrier error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetail adds one detail key. Initializes the map lazily.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCorrelationID tags the error with a request correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// envelope is the fixed wire shape for serialized errors.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code          Code           `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// MarshalJSON serializes the error to the {"error":{...}} envelope.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Error: envelopeBody{
		Code:          e.Code,
		Message:       e.Message,
		Details:       e.Details,
		CorrelationID: e.CorrelationID,
	}})
}

// Transient reports whether the error code represents a transient upstream
// condition that a retry policy may re-attempt. Validation and contract
// errors are never transient.
func Transient(code Code) bool {
	switch code {
	case CodeRateLimited, CodeUpstreamError, CodeProviderUnavailable:
		return true
	default:
		return false
	}
}

// AsError returns err as a *Error, wrapping foreign errors as UPSTREAM_ERROR
// so the taxonomy is total at the contract boundary.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(CodeUpstreamError, err.Error()).WithCause(err)
}
