package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation and retry logic.
type ErrorClass string

const (
	// ErrorClassBuild indicates an algorithm could not be checked out or compiled.
	// Build errors are fatal and halt the pipeline before any unit executes.
	ErrorClassBuild ErrorClass = "build"

	// ErrorClassExecution indicates a run unit crashed or exited non-zero.
	// Recorded per unit, never fatal to the batch.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassResourceExceeded indicates a unit was killed for exceeding
	// its wall-clock or memory bound.
	ErrorClassResourceExceeded ErrorClass = "resource_exceeded"

	// ErrorClassParse indicates a unit's raw output could not be fully parsed.
	// The unit still yields a (possibly partial) row.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassSchedulerTransient indicates a temporary batch scheduler failure
	// during submission or polling. Retried a bounded number of times.
	ErrorClassSchedulerTransient ErrorClass = "scheduler_transient"

	// ErrorClassConfig indicates invalid top-level configuration.
	// Config errors are fatal.
	ErrorClassConfig ErrorClass = "config"
)

// BenchError represents a classified error with run-unit and step context.
// nolint:revive // BenchError is intentionally named to distinguish from standard errors
type BenchError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the run unit ID that caused the error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Step is the pipeline step being executed when the error occurred.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *BenchError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Unit != "" && e.Step != "":
		return fmt.Sprintf("[%s] %s (unit=%s, step=%s)", e.Class, msg, e.Unit, e.Step)
	case e.Unit != "":
		return fmt.Sprintf("[%s] %s (unit=%s)", e.Class, msg, e.Unit)
	case e.Step != "":
		return fmt.Sprintf("[%s] %s (step=%s)", e.Class, msg, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BenchError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *BenchError) Is(target error) bool {
	t, ok := target.(*BenchError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *BenchError {
	return &BenchError{Class: class, Message: message, Err: err}
}

// NewBuildError creates a new build error.
func NewBuildError(message string, err error) *BenchError {
	return newError(ErrorClassBuild, message, err)
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *BenchError {
	return newError(ErrorClassExecution, message, err)
}

// NewResourceExceededError creates a new resource-exceeded error.
func NewResourceExceededError(message string, err error) *BenchError {
	return newError(ErrorClassResourceExceeded, message, err)
}

// NewParseError creates a new parse error.
func NewParseError(message string, err error) *BenchError {
	return newError(ErrorClassParse, message, err)
}

// NewSchedulerTransientError creates a new scheduler-transient error.
func NewSchedulerTransientError(message string, err error) *BenchError {
	return newError(ErrorClassSchedulerTransient, message, err)
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *BenchError {
	return newError(ErrorClassConfig, message, err)
}

// WithUnit adds run unit context to an error.
func (e *BenchError) WithUnit(unitID string) *BenchError {
	e.Unit = unitID
	return e
}

// WithStep adds pipeline step context to an error.
func (e *BenchError) WithStep(step string) *BenchError {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *BenchError) WithCode(code string) *BenchError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *BenchError) WithDetail(key string, value interface{}) *BenchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first BenchError in err's chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *BenchError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsFatal returns true if the error must halt the whole run.
// Only build errors and configuration errors are fatal.
func IsFatal(err error) bool {
	c := ClassOf(err)
	return c == ErrorClassBuild || c == ErrorClassConfig
}

// IsTransient returns true if the error is a scheduler-transient error.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassSchedulerTransient
}

// IsResourceExceeded returns true if the error is a resource-exceeded error.
func IsResourceExceeded(err error) bool {
	return ClassOf(err) == ErrorClassResourceExceeded
}

// IsParseError returns true if the error is a parse error.
func IsParseError(err error) bool {
	return ClassOf(err) == ErrorClassParse
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeMemoryLimit    = "MEMORY_LIMIT"
	ErrCodeNonZeroExit    = "NON_ZERO_EXIT"
	ErrCodeSignaled       = "SIGNALED"
	ErrCodeSubmitFailed   = "SUBMIT_FAILED"
	ErrCodePollFailed     = "POLL_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeMissingOutput  = "MISSING_OUTPUT"
	ErrCodeNoOutputPath   = "NO_OUTPUT_PATH"
	ErrCodeUnknownStep    = "UNKNOWN_STEP"
	ErrCodePolicyDenied   = "POLICY_DENIED"
)
