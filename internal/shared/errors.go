package shared

import (
	"errors"
	"fmt"
)

// Error codes for the declared error taxonomy.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeCapacity     = "CAPACITY_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeTimeout      = "TIMEOUT"
	CodeExecution    = "EXECUTION_ERROR"
	CodePersistence  = "PERSISTENCE_ERROR"
	CodeCoordination = "COORDINATION_ERROR"
)

// V3Error is the base error type for all hivemind errors.
type V3Error struct {
	Message string
	Code    string
	Details map[string]interface{}
	Cause   error
}

func (e *V3Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *V3Error) Unwrap() error {
	return e.Cause
}

// NewV3Error creates a new V3Error.
func NewV3Error(message, code string, details map[string]interface{}) *V3Error {
	return &V3Error{
		Message: message,
		Code:    code,
		Details: details,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	V3Error
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, details map[string]interface{}) *ValidationError {
	return &ValidationError{V3Error{Message: message, Code: CodeValidation, Details: details}}
}

// CapacityError is returned when a bound (max agents, one task per agent) would be exceeded.
type CapacityError struct {
	V3Error
}

// NewCapacityError creates a new CapacityError.
func NewCapacityError(message string, details map[string]interface{}) *CapacityError {
	return &CapacityError{V3Error{Message: message, Code: CodeCapacity, Details: details}}
}

// NotFoundError is returned when a swarm, agent, task, proposal or channel is unknown.
type NotFoundError struct {
	V3Error
}

// NewNotFoundError creates a NotFoundError for an entity kind and id.
func NewNotFoundError(entity, id, operation string) *NotFoundError {
	return &NotFoundError{V3Error{
		Message: fmt.Sprintf("%s %q not found", entity, id),
		Code:    CodeNotFound,
		Details: map[string]interface{}{"entity": entity, "id": id, "operation": operation},
	}}
}

// TimeoutError is returned when a request or consensus deadline elapses.
type TimeoutError struct {
	V3Error
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(message string, details map[string]interface{}) *TimeoutError {
	return &TimeoutError{V3Error{Message: message, Code: CodeTimeout, Details: details}}
}

// ExecutionError represents a task phase failure.
type ExecutionError struct {
	V3Error
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(message string, details map[string]interface{}) *ExecutionError {
	return &ExecutionError{V3Error{Message: message, Code: CodeExecution, Details: details}}
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	V3Error
}

// NewPersistenceError wraps err with the failing operation.
func NewPersistenceError(operation string, err error, details map[string]interface{}) *PersistenceError {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["operation"] = operation
	return &PersistenceError{V3Error{Message: operation + " failed", Code: CodePersistence, Details: details, Cause: err}}
}

// CoordinationError represents a coordination error.
type CoordinationError struct {
	V3Error
}

// NewCoordinationError creates a new CoordinationError.
func NewCoordinationError(message string, details map[string]interface{}) *CoordinationError {
	return &CoordinationError{V3Error{Message: message, Code: CodeCoordination, Details: details}}
}

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ErrorCode extracts the taxonomy code from err, or "" for foreign errors.
func ErrorCode(err error) string {
	var base *V3Error
	if errors.As(err, &base) {
		return base.Code
	}
	// Embedded V3Error values are reachable only through the concrete wrappers.
	switch {
	case IsCapacity(err):
		return CodeCapacity
	case IsNotFound(err):
		return CodeNotFound
	case IsTimeout(err):
		return CodeTimeout
	case IsValidation(err):
		return CodeValidation
	}
	var exec *ExecutionError
	if errors.As(err, &exec) {
		return CodeExecution
	}
	var persist *PersistenceError
	if errors.As(err, &persist) {
		return CodePersistence
	}
	var coord *CoordinationError
	if errors.As(err, &coord) {
		return CodeCoordination
	}
	return ""
}
