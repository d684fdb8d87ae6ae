package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// Supervisor taxonomy
	ErrorTypeLaunch               ErrorType = "launch"
	ErrorTypeUnexpectedExit       ErrorType = "unexpected_exit"
	ErrorTypeRestartLimitExceeded ErrorType = "restart_limit_exceeded"
	ErrorTypeCommandRejected      ErrorType = "command_rejected"
	ErrorTypeShutdownTimeout      ErrorType = "shutdown_timeout"

	// Ambient errors
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Supervisor errors

// NewLaunchError reports that the executable could not be started.
func NewLaunchError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeLaunch, message, cause)
}

// NewUnexpectedExitError reports that the child died while it was expected to run.
func NewUnexpectedExitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnexpectedExit, message, cause)
}

// NewRestartLimitExceededError is terminal: no further automatic restarts follow.
func NewRestartLimitExceededError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRestartLimitExceeded, message, cause)
}

// NewCommandRejectedError reports a command that is invalid for the current state.
func NewCommandRejectedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCommandRejected, message, cause)
}

// NewShutdownTimeoutError reports a child that had to be force-killed.
func NewShutdownTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeShutdownTimeout, message, cause)
}

// Ambient errors

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// TypeOf returns the type of the outermost DomainError in the chain, or "" if none.
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

// Error checking helpers
func IsLaunchError(err error) bool {
	return isType(err, ErrorTypeLaunch)
}

func IsUnexpectedExitError(err error) bool {
	return isType(err, ErrorTypeUnexpectedExit)
}

func IsRestartLimitExceededError(err error) bool {
	return isType(err, ErrorTypeRestartLimitExceeded)
}

func IsCommandRejectedError(err error) bool {
	return isType(err, ErrorTypeCommandRejected)
}

func IsShutdownTimeoutError(err error) bool {
	return isType(err, ErrorTypeShutdownTimeout)
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsPermissionError(err error) bool {
	return isType(err, ErrorTypePermission)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsNetworkError(err error) bool {
	return isType(err, ErrorTypeNetwork)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// ErrorCollection aggregates independent errors, such as the findings of a
// configuration check, so that all of them are reported at once
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	messages := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(e.Errors), strings.Join(messages, "; "))
}

// Unwrap exposes every collected error to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
