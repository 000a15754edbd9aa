// Package errors provides centralized error definitions and error handling utilities
// for the sidecar. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures of a specific subsystem:
//   - ProtocolError: a peer broke the file protocol (handshake or task bridge)
//   - RunError: the optimization driver child process failed
//
// Semantic errors represent common error conditions:
//   - TimeoutError: a bounded wait ran out of time
//   - ValidationError: invalid settings or input
//
// # Usage
//
//	// Domain-specific error
//	err := errors.NewProtocolError("response batch length mismatch", errors.ErrProtocolViolation).
//	    WithFile("/outputs/output_1/input_tasks.json")
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrRetryBudgetExceeded) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Protocol violations are never retryable: they indicate a contract bug between
// the sidecar and one of its peers. Run failures are retryable; whether a retry
// actually happens is decided by the supervisor's settings. Timeouts of the
// retry budget and of the configuration wait are terminal.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Protocol sentinel errors
var (
	// ErrProtocolViolation indicates that a peer broke the file protocol.
	ErrProtocolViolation = New("protocol violation")
	// ErrBatchLengthMismatch indicates a response batch of the wrong size.
	ErrBatchLengthMismatch = New("response batch length mismatch")
	// ErrMissingLabel indicates a requested response label absent from a response.
	ErrMissingLabel = New("requested label missing from response")
	// ErrTaskFailed indicates the evaluator reported a task as failed.
	ErrTaskFailed = New("evaluator reported task failure")
)

// Supervisor sentinel errors
var (
	// ErrRunFailed indicates that the driver child process did not exit cleanly.
	ErrRunFailed = New("driver run failed")
	// ErrRetryBudgetExceeded indicates that the cumulative retry time ran out.
	ErrRetryBudgetExceeded = New("max retry time exceeded")
	// ErrConfigWaitTimeout indicates that no changed configuration appeared in time.
	ErrConfigWaitTimeout = New("timed out waiting for a changed configuration")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SidecarError is the base interface for all sidecar errors.
type SidecarError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the failed operation may succeed when
	// attempted again.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func formatWithParts(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ProtocolError reports a broken contract with a file-coupled peer.
//
// Example:
//
//	err := errors.NewProtocolError("task 2 has no output", errors.ErrMissingLabel).
//	    WithFile(path).WithTask(2)
//	fmt.Println(err) // "protocol error [file=..., task=2]: task 2 has no output: ..."
type ProtocolError struct {
	baseError
	File string
	Task int
}

// NewProtocolError creates a new ProtocolError. Protocol errors are never
// retryable.
func NewProtocolError(message string, cause error) *ProtocolError {
	return &ProtocolError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
		Task: -1, // -1 indicates not set
	}
}

// WithFile adds the offending file path to the error context.
func (e *ProtocolError) WithFile(path string) *ProtocolError {
	e.File = path
	return e
}

// WithTask adds the position of the offending task within its batch.
func (e *ProtocolError) WithTask(idx int) *ProtocolError {
	e.Task = idx
	return e
}

// Error returns the formatted error message.
func (e *ProtocolError) Error() string {
	var parts []string
	if e.File != "" {
		parts = append(parts, fmt.Sprintf("file=%s", e.File))
	}
	if e.Task >= 0 {
		parts = append(parts, fmt.Sprintf("task=%d", e.Task))
	}
	return formatWithParts("protocol error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ProtocolError) Is(target error) bool {
	if _, ok := target.(*ProtocolError); ok {
		return true
	}
	if target == ErrProtocolViolation {
		return true
	}
	return e.baseError.Is(target)
}

// RunError reports a driver attempt that did not exit cleanly.
//
// Example:
//
//	err := errors.NewRunError("driver exited with a failure status").
//	    WithAttempt(2).WithExitCode(1)
type RunError struct {
	baseError
	Attempt  int
	ExitCode int
	Signal   string
}

// NewRunError creates a new RunError. Run errors are retryable.
func NewRunError(message string) *RunError {
	return &RunError{
		baseError: baseError{
			message:   message,
			cause:     ErrRunFailed,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithAttempt records which attempt failed.
func (e *RunError) WithAttempt(n int) *RunError {
	e.Attempt = n
	return e
}

// WithExitCode records the child's exit code.
func (e *RunError) WithExitCode(code int) *RunError {
	e.ExitCode = code
	return e
}

// WithSignal records the signal that terminated the child.
func (e *RunError) WithSignal(sig string) *RunError {
	e.Signal = sig
	return e
}

// WithCause replaces the underlying cause. ErrRunFailed is still matched by Is.
func (e *RunError) WithCause(cause error) *RunError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	var parts []string
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.Signal != "" {
		parts = append(parts, fmt.Sprintf("signal=%s", e.Signal))
	} else {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	cause := e.cause
	if cause == ErrRunFailed {
		cause = nil
	}
	return formatWithParts("run error", parts, e.message, cause)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	if target == ErrRunFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or settings.
//
// Example:
//
//	err := errors.NewValidationError("must be non-negative").
//	    WithField("restart_on_error_max_time").WithValue(-1.0)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			cause:    ErrInvalidInput,
			severity: SeverityError,
		},
	}
}

// WithField adds the name of the invalid field.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		if e.Value != nil {
			return fmt.Sprintf("validation error: %s: %s (got: %v)", e.Field, e.message, e.Value)
		}
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents a bounded wait that ran out of time.
//
// Example:
//
//	err := errors.NewTimeoutError("retry budget", time.Hour).
//	    WithElapsed(61 * time.Minute).WithCause(errors.ErrRetryBudgetExceeded)
//	fmt.Println(err) // "timeout error: retry budget (timeout: 1h0m0s, elapsed: 1h1m0s): max retry time exceeded"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
	Elapsed   time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts raised by the
// supervisor are terminal, so the error is not retryable.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:  operation,
			cause:    ErrTimeout,
			severity: SeverityError,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error. ErrTimeout is still matched by Is.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithElapsed records how long the wait actually lasted.
func (e *TimeoutError) WithElapsed(d time.Duration) *TimeoutError {
	e.Elapsed = d
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s", e.Operation, e.Duration)
	if e.Elapsed > 0 {
		base += fmt.Sprintf(", elapsed: %s", e.Elapsed.Round(time.Millisecond))
	}
	base += ")"
	if e.cause != nil && e.cause != ErrTimeout {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sidecarErr SidecarError
	if As(err, &sidecarErr) {
		return sidecarErr.IsRetryable()
	}
	return false
}

// IsProtocolViolation returns true if err reports a broken peer contract.
func IsProtocolViolation(err error) bool {
	return Is(err, ErrProtocolViolation)
}

// IsTimeout returns true if err reports an exhausted wait.
func IsTimeout(err error) bool {
	return Is(err, ErrTimeout)
}

// Failure kinds reported by Kind.
const (
	KindTimeout      = "timeout"
	KindProtocol     = "protocol"
	KindRun          = "run"
	KindCanceled     = "canceled"
	KindInvalidInput = "invalid_input"
	KindInternal     = "internal"
)

// Kind names the class of err so that operators can tell an exhausted budget
// from a failed run without parsing messages. It returns "" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return KindTimeout
	case IsProtocolViolation(err):
		return KindProtocol
	case Is(err, ErrCanceled):
		return KindCanceled
	case Is(err, ErrRunFailed):
		return KindRun
	case Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SidecarError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var sidecarErr SidecarError
	if As(err, &sidecarErr) {
		return sidecarErr.Severity()
	}
	return SeverityError
}
