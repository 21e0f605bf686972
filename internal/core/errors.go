// Package core provides the error taxonomy shared by both relay variants.
package core

import (
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeMethodNotAllowed indicates a non-POST relay request (405)
	ErrorTypeMethodNotAllowed ErrorType = "method_not_allowed"
	// ErrorTypeInvalidRequest indicates a body that is not JSON (400)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeConfiguration indicates the server lacks the upstream credential (500)
	ErrorTypeConfiguration ErrorType = "configuration_error"
	// ErrorTypeTransport indicates a network or stream failure talking to upstream (500)
	ErrorTypeTransport ErrorType = "transport_error"
)

// RelayError is the error type for every failure the relay reports itself.
// Upstream error responses are not RelayErrors: they are forwarded verbatim.
type RelayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	// Original error for diagnostics
	Err error `json:"-"`
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *RelayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ClientFault reports whether the request itself was at fault.
func (e *RelayError) ClientFault() bool {
	return e.Type == ErrorTypeMethodNotAllowed || e.Type == ErrorTypeInvalidRequest
}

// ToJSON converts the error to a JSON-compatible map.
// Transport errors carry the underlying cause as a diagnostic detail.
func (e *RelayError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type":    e.Type,
		"message": e.Message,
	}
	if e.Type == ErrorTypeTransport && e.Err != nil {
		body["detail"] = e.Err.Error()
	}
	return map[string]interface{}{"error": body}
}

// NewMethodNotAllowedError creates a wrong-method error (405)
func NewMethodNotAllowedError(method string) *RelayError {
	return &RelayError{
		Type:       ErrorTypeMethodNotAllowed,
		Message:    "method " + method + " not allowed, use POST",
		StatusCode: http.StatusMethodNotAllowed,
	}
}

// NewInvalidRequestError creates a malformed-body error (400)
func NewInvalidRequestError(message string, err error) *RelayError {
	return &RelayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewConfigurationError creates a server-misconfiguration error (500)
func NewConfigurationError(message string) *RelayError {
	return &RelayError{
		Type:       ErrorTypeConfiguration,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewTransportError creates a generic proxy failure (500)
func NewTransportError(err error) *RelayError {
	return &RelayError{
		Type:       ErrorTypeTransport,
		Message:    "proxy error",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}
