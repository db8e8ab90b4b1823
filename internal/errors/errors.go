// Package errors provides the error kinds shared by the exchange client, the
// kline decoder and the storage engines, plus helpers to classify raw errors
// and turn any of them into a message fit for the process boundary.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeTransport     ErrorType = "transport"     // Network failure, timeout or cancellation
	ErrorTypeHTTPStatus    ErrorType = "http_status"   // Non-success HTTP status from the exchange
	ErrorTypeAPI           ErrorType = "api"           // Exchange answered 2xx with an error envelope
	ErrorTypeDecode        ErrorType = "decode"        // Body or row did not have the expected shape
	ErrorTypeStorage       ErrorType = "storage"       // Backend initialization, query or write failure
	ErrorTypeConfiguration ErrorType = "configuration" // Unsupported backend, bad config file
	ErrorTypeSigning       ErrorType = "signing"       // Request signing failed or is not available
	ErrorTypeValidation    ErrorType = "validation"    // Caller supplied invalid input

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Typed is implemented by domain errors that know their own kind without
// being wrapped in a ClassifiedError (storage.StorageError, models.RowError).
type Typed interface {
	ErrorType() ErrorType
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Err == nil {
		return fmt.Sprintf("[%s/%s] %s", ce.Component, ce.Type, ce.Operation)
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// ErrorType returns the classification.
func (ce *ClassifiedError) ErrorType() ErrorType {
	return ce.Type
}

// WithContext attaches a key/value pair and returns the same error.
func (ce *ClassifiedError) WithContext(key string, value interface{}) *ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{})
	}
	ce.Context[key] = value
	return ce
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrTransport     = &ClassifiedError{Type: ErrorTypeTransport}
	ErrHTTPStatus    = &ClassifiedError{Type: ErrorTypeHTTPStatus}
	ErrAPI           = &ClassifiedError{Type: ErrorTypeAPI}
	ErrDecode        = &ClassifiedError{Type: ErrorTypeDecode}
	ErrStorage       = &ClassifiedError{Type: ErrorTypeStorage}
	ErrConfiguration = &ClassifiedError{Type: ErrorTypeConfiguration}
	ErrSigning       = &ClassifiedError{Type: ErrorTypeSigning}
	ErrValidation    = &ClassifiedError{Type: ErrorTypeValidation}
)

// New builds a classified error of the given kind.
func New(errorType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Component: component,
		Operation: operation,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

func NewTransportError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeTransport, component, operation, err)
}

func NewHTTPStatusError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeHTTPStatus, component, operation, err)
}

func NewAPIError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeAPI, component, operation, err)
}

func NewDecodeError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeDecode, component, operation, err)
}

func NewStorageError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeStorage, component, operation, err)
}

func NewConfigurationError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeConfiguration, component, operation, err)
}

func NewSigningError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeSigning, component, operation, err)
}

func NewValidationError(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeValidation, component, operation, err)
}

// Classify wraps a raw error into a ClassifiedError. Errors that already carry
// a kind keep it; everything else is inspected for transport failures.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := GetErrorType(err)
	if errorType == ErrorTypeUnknown && isTransportError(err) {
		errorType = ErrorTypeTransport
	}

	return New(errorType, component, operation, err)
}

// isTransportError checks if the error is network related, timed out or was canceled
func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"no such host",
		"i/o timeout",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeConfiguration, ErrorTypeSigning:
		return SeverityHigh
	case ErrorTypeStorage, ErrorTypeDecode, ErrorTypeValidation:
		return SeverityMedium
	case ErrorTypeTransport, ErrorTypeHTTPStatus, ErrorTypeAPI:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Utility functions

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// GetErrorType extracts the error type from anywhere in the chain
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}

	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	return ErrorTypeUnknown
}

// IsType reports whether err carries the given kind.
func IsType(err error, errorType ErrorType) bool {
	return GetErrorType(err) == errorType
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return severityFor(GetErrorType(err))
}

// Describe renders a one line message that names the error kind, so each
// kind is distinguishable in logs and at the command line.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var label string
	switch GetErrorType(err) {
	case ErrorTypeTransport:
		label = "transport error"
	case ErrorTypeHTTPStatus:
		label = "unexpected HTTP status"
	case ErrorTypeAPI:
		label = "exchange rejected request"
	case ErrorTypeDecode:
		label = "malformed response"
	case ErrorTypeStorage:
		label = "storage error"
	case ErrorTypeConfiguration:
		label = "configuration error"
	case ErrorTypeSigning:
		label = "signing error"
	case ErrorTypeValidation:
		label = "invalid input"
	default:
		label = "error"
	}

	return fmt.Sprintf("%s: %v", label, err)
}
