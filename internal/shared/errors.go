package shared

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass is the taxonomy bucket of an orchestration error.
type ErrorClass string

const (
	ErrorClassValidation         ErrorClass = "VALIDATION"
	ErrorClassPermissionDenied   ErrorClass = "PERMISSION_DENIED"
	ErrorClassAdapter            ErrorClass = "ADAPTER"
	ErrorClassResolution         ErrorClass = "RESOLUTION"
	ErrorClassLockContention     ErrorClass = "LOCK_CONTENTION"
	ErrorClassTransitionRejected ErrorClass = "TRANSITION_REJECTED"
	ErrorClassUnknown            ErrorClass = "UNKNOWN"
)

// ErrLockContention means another think pass holds the task lock.
// Callers treat it as a skip, not a failure.
var ErrLockContention = errors.New("task lock held by another pass")

// ValidationError reports bad or missing arguments. Field names the
// offending argument when one can be identified.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PermissionDeniedError is returned when a tool is outside the caller's
// allow-list or the capability policy.
type PermissionDeniedError struct {
	Tool     string
	Identity string
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("permission denied: tool %q not allowed for %q", e.Tool, e.Identity)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// AdapterError wraps a failure from an external tool adapter.
type AdapterError struct {
	Tool string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ResolutionError lists assignee names that could not be mapped to agents.
type ResolutionError struct {
	Unresolved []string
}

func (e *ResolutionError) Error() string {
	return "could not resolve assignees: " + strings.Join(e.Unresolved, ", ")
}

// StateTransitionError is returned when a status change is not allowed.
type StateTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected: %s", e.From, e.To, e.Reason)
}

// Classify maps err onto the orchestration error taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var (
		ve *ValidationError
		pe *PermissionDeniedError
		ae *AdapterError
		re *ResolutionError
		te *StateTransitionError
	)
	switch {
	case errors.Is(err, ErrLockContention):
		return ErrorClassLockContention
	case errors.As(err, &pe):
		return ErrorClassPermissionDenied
	case errors.As(err, &ve):
		return ErrorClassValidation
	case errors.As(err, &re):
		return ErrorClassResolution
	case errors.As(err, &te):
		return ErrorClassTransitionRejected
	case errors.As(err, &ae):
		return ErrorClassAdapter
	}
	return ErrorClassUnknown
}
