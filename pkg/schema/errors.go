package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeReference          = "REFERENCE_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeOutputValidation   = "OUTPUT_VALIDATION_ERROR"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeCheckpointMismatch = "CHECKPOINT_MISMATCH"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeAssertion          = "ASSERTION_FAILED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeStore              = "STORE_ERROR"
)

// LoomError is the structured error type for all engine operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code denotes a transient condition.
// Output-schema mismatches and static errors are never retried; timeouts and
// generic execution failures are.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeExecution, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *LoomError) WithStep(step string) *LoomError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}
