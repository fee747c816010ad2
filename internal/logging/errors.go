package logging

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different categories of errors for classification
type ErrorCategory string

const (
	ErrorCategoryStorage      ErrorCategory = "storage"
	ErrorCategoryNetwork      ErrorCategory = "network"
	ErrorCategoryTime         ErrorCategory = "time"
	ErrorCategoryProvisioning ErrorCategory = "provisioning"
	ErrorCategoryConfig       ErrorCategory = "config"
	ErrorCategoryService      ErrorCategory = "service"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	// Critical errors stop the process
	ErrorSeverityCritical ErrorSeverity = "critical"
	// High severity ends the current phase
	ErrorSeverityHigh   ErrorSeverity = "high"
	ErrorSeverityMedium ErrorSeverity = "medium"
	ErrorSeverityLow    ErrorSeverity = "low"
	ErrorSeverityInfo   ErrorSeverity = "info"
)

// ErrorContext provides additional context for error logging
type ErrorContext struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	Recoverable bool                   `json:"recoverable"`
	RetryCount  int                    `json:"retry_count,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// StructuredError represents a structured error with context
type StructuredError struct {
	Err       error        `json:"error"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
	Stack     string       `json:"stack,omitempty"`
}

// Error implements the error interface
func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

// Unwrap returns the underlying error
func (se *StructuredError) Unwrap() error {
	return se.Err
}

// NewStructuredError creates a new structured error with context
func NewStructuredError(err error, context ErrorContext) *StructuredError {
	structuredErr := &StructuredError{
		Err:       err,
		Context:   context,
		Timestamp: time.Now(),
	}

	// Capture stack trace for critical errors
	if context.Severity == ErrorSeverityCritical {
		structuredErr.Stack = captureStackTrace()
	}

	return structuredErr
}

// LogStructuredError logs a structured error with appropriate level and context
func LogStructuredError(logger *logrus.Logger, structuredErr *StructuredError) {
	if logger == nil || structuredErr == nil {
		return
	}

	entry := logger.WithFields(logrus.Fields{
		"error_category": structuredErr.Context.Category,
		"error_severity": structuredErr.Context.Severity,
		"component":      structuredErr.Context.Component,
		"operation":      structuredErr.Context.Operation,
		"recoverable":    structuredErr.Context.Recoverable,
	})

	if structuredErr.Context.RetryCount > 0 {
		entry = entry.WithField("retry_count", structuredErr.Context.RetryCount)
	}
	for key, value := range structuredErr.Context.Metadata {
		entry = entry.WithField(fmt.Sprintf("meta_%s", key), value)
	}
	if structuredErr.Stack != "" {
		entry = entry.WithField("stack_trace", structuredErr.Stack)
	}

	switch structuredErr.Context.Severity {
	case ErrorSeverityCritical, ErrorSeverityHigh:
		entry.Error(structuredErr.Error())
	case ErrorSeverityMedium, ErrorSeverityLow:
		entry.Warn(structuredErr.Error())
	case ErrorSeverityInfo:
		entry.Info(structuredErr.Error())
	default:
		entry.Error(structuredErr.Error())
	}
}

// LogPhaseError logs the failure of one boot phase. The process keeps
// running; only the phase is abandoned.
func LogPhaseError(logger *logrus.Logger, err error, category ErrorCategory, component, operation string, recoverable bool) *StructuredError {
	severity := ErrorSeverityHigh
	if recoverable {
		severity = ErrorSeverityMedium
	}

	structuredErr := NewStructuredError(err, ErrorContext{
		Category:    category,
		Severity:    severity,
		Component:   component,
		Operation:   operation,
		Recoverable: recoverable,
	})
	LogStructuredError(logger, structuredErr)
	return structuredErr
}

// LogFatalError logs an error that stops the process
func LogFatalError(logger *logrus.Logger, err error, category ErrorCategory, component, operation string) *StructuredError {
	structuredErr := NewStructuredError(err, ErrorContext{
		Category:  category,
		Severity:  ErrorSeverityCritical,
		Component: component,
		Operation: operation,
	})
	LogStructuredError(logger, structuredErr)
	return structuredErr
}

// IsCategory reports whether err is a StructuredError of the given category
func IsCategory(err error, category ErrorCategory) bool {
	var structuredErr *StructuredError
	if errors.As(err, &structuredErr) {
		return structuredErr.Context.Category == category
	}
	return false
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
