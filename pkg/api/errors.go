package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError      ErrorType = "server_error"
	ErrorTypeInvalidRequest   ErrorType = "invalid_request"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeUnsupportedFile  ErrorType = "unsupported_file"
	ErrorTypeModelError       ErrorType = "model_error"
	ErrorTypeInterpreterError ErrorType = "interpreter_error"
	ErrorTypeTooManyRequests  ErrorType = "too_many_requests"
	ErrorTypeConflict         ErrorType = "conflict"
)

// APIError is the error body returned by every endpoint.
type APIError struct {
	Type    ErrorType `json:"type"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Status returns the HTTP status code for the error type.
func (e *APIError) Status() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUnsupportedFile:
		return http.StatusUnsupportedMediaType
	case ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeModelError, ErrorTypeInterpreterError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse wraps an APIError as {"error": {...}}.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// WriteError writes e as JSON with its status code.
func WriteError(w http.ResponseWriter, e *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(ErrorResponse{Error: e})
}

func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Param: param, Message: message}
}

func NewUnauthorizedError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnauthorized, Message: message}
}

func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

func NewUnsupportedFileError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnsupportedFile, Param: "file", Message: message}
}

func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Message: message}
}

// NewModelError reports a failure of the upstream chat model.
func NewModelError(message string) *APIError {
	return &APIError{Type: ErrorTypeModelError, Message: message}
}

// NewInterpreterError reports a failure of the code execution backend.
func NewInterpreterError(message string) *APIError {
	return &APIError{Type: ErrorTypeInterpreterError, Message: message}
}

func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}

// NewConflictError reports a request that clashes with work in progress.
func NewConflictError(message string) *APIError {
	return &APIError{Type: ErrorTypeConflict, Message: message}
}
