package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a controller error.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid hierarchy or parameter set.
	// Raised at construction, before any rank communicates.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassControl indicates the state machine or the driver reached a
	// state it cannot handle, e.g. an unknown stage or a run with no work.
	ErrorClassControl ErrorClass = "control"

	// ErrorClassNotImplemented indicates a declared but unimplemented option.
	ErrorClassNotImplemented ErrorClass = "not_implemented"

	// ErrorClassCommunication indicates a messaging failure from the
	// communicator layer. Nothing in the controller retries these.
	ErrorClassCommunication ErrorClass = "communication"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Slot is the window slot that raised the error, -1 when not applicable.
	Slot int `json:"slot"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Slot >= 0 && e.Operation != "" {
		msg = fmt.Sprintf("%s (slot=%d, operation=%s)", msg, e.Slot, e.Operation)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Slot:    -1,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err).WithCode(ErrCodeInvalidConfig)
}

// NewControlError creates a new control error.
func NewControlError(message string, err error) *EngineError {
	return newError(ErrorClassControl, message, err).WithCode(ErrCodeControl)
}

// NewNotImplementedError creates a new not-implemented error.
func NewNotImplementedError(message string) *EngineError {
	return newError(ErrorClassNotImplemented, message, nil).WithCode(ErrCodeNotImplemented)
}

// NewCommunicationError wraps a communicator failure.
func NewCommunicationError(message string, err error) *EngineError {
	return newError(ErrorClassCommunication, message, err).WithCode(ErrCodeCommunication)
}

// WithSlot adds the window slot to an error.
func (e *EngineError) WithSlot(slot int) *EngineError {
	e.Slot = slot
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsControl returns true if the error is a control error.
func IsControl(err error) bool {
	return hasClass(err, ErrorClassControl)
}

// IsNotImplemented returns true if the error refuses an unimplemented option.
func IsNotImplemented(err error) bool {
	return hasClass(err, ErrorClassNotImplemented)
}

// IsCommunication returns true if the error came from the messaging layer.
func IsCommunication(err error) bool {
	return hasClass(err, ErrorClassCommunication)
}

// Common error codes.
const (
	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeBoundaryNode   = "BOUNDARY_NODE_REQUIRED"
	ErrCodeCoarseSweeps   = "COARSE_SWEEPS"
	ErrCodeUnknownStage   = "UNKNOWN_STAGE"
	ErrCodeNothingToDo    = "NOTHING_TO_DO"
	ErrCodeControl        = "CONTROL_ERROR"
	ErrCodeNotImplemented = "NOT_IMPLEMENTED"
	ErrCodeCommunication  = "COMMUNICATION_FAILED"
	ErrCodeHookFailed     = "HOOK_FAILED"
	ErrCodeCollaborator   = "COLLABORATOR_FAILED"
)
