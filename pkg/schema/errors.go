package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeGovernance        = "GOVERNANCE_REJECTED"
	ErrCodeSandbox           = "SANDBOX_VIOLATION"
	ErrCodeConfirmation      = "CONFIRMATION_REQUIRED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeCompensation      = "COMPENSATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// RecoilError is the structured error type for all engine operations.
type RecoilError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step_name,omitempty"`
	Cause    error          `json:"-"`
}

func (e *RecoilError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RecoilError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RecoilError.
func NewError(code, message string) *RecoilError {
	return &RecoilError{Code: code, Message: message}
}

// NewErrorf creates a new RecoilError with a formatted message.
func NewErrorf(code, format string, args ...any) *RecoilError {
	return &RecoilError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *RecoilError) WithStep(step string) *RecoilError {
	e.StepName = step
	return e
}

// WithCause attaches an underlying cause.
func (e *RecoilError) WithCause(err error) *RecoilError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RecoilError) WithDetails(details map[string]any) *RecoilError {
	e.Details = details
	return e
}
