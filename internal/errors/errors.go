// Package errors provides centralized error definitions and error handling utilities
// for featurepipe. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - PipelineError: errors reading, locking or mutating a feature's pipeline state
//   - DispatchError: errors from an external worker process invocation
//   - ReviewError: errors raised by the review loop
//   - GitError: errors from git commands run on the feature repository
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input, configuration or result artifact
//   - TimeoutError: an idle or max timeout fired
//
// # Usage
//
//	err := errors.NewDispatchError("worker exited", errors.ErrDispatchFailed).
//	    WithStep("plan").WithAttempt(2).WithExitCode(1)
//
//	if errors.Is(err, errors.ErrRateLimited) { ... }
//
//	var de *errors.DispatchError
//	if errors.As(err, &de) { ... }
//
// # Error Classification
//
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to operators
//   - Severity: Debug, Info, Warning, Error, Critical
//   - Kind: short machine-readable label used in CLI JSON error objects
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
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
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
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

// State store sentinels
var (
	// ErrStateNotFound indicates that a feature directory has no pipeline state yet.
	ErrStateNotFound = New("pipeline state not found")
	// ErrStateCorrupted indicates that the state file could not be parsed.
	ErrStateCorrupted = New("pipeline state corrupted")
	// ErrStateLocked indicates that another orchestrator holds the state lock.
	ErrStateLocked = New("pipeline state is locked by another process")
	// ErrGateNotPending indicates a gate response was given while no gate is open.
	ErrGateNotPending = New("no user gate is pending")
	// ErrInvalidChoice indicates a gate response that is not one of the offered options.
	ErrInvalidChoice = New("invalid gate choice")
)

// Flow sentinels
var (
	// ErrUnknownFlow indicates a flow name missing from the registry.
	ErrUnknownFlow = New("unknown flow")
	// ErrUnknownStep indicates a step name not declared by the flow.
	ErrUnknownStep = New("unknown step")
)

// Dispatch sentinels
var (
	// ErrDispatchFailed indicates that every dispatch attempt failed.
	ErrDispatchFailed = New("dispatch failed")
	// ErrRateLimited indicates that the failure was classified as a provider rate limit.
	ErrRateLimited = New("rate limited")
	// ErrResultMissing indicates that no dispatch result artifact exists for a step.
	ErrResultMissing = New("dispatch result artifact missing")
	// ErrInvalidResult indicates a result artifact that matches neither accepted shape.
	ErrInvalidResult = New("invalid dispatch result artifact")
)

// Review sentinels
var (
	// ErrAllPersonasFailed indicates that every persona failed in one iteration.
	ErrAllPersonasFailed = New("all review personas failed")
	// ErrNoGo indicates that a review ended with a NO-GO verdict.
	ErrNoGo = New("review verdict NO-GO")
)

// General sentinels
var (
	ErrTimeout      = New("operation timed out")
	ErrCanceled     = New("operation canceled")
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PipeError is the base interface for all featurepipe errors.
type PipeError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

func formatWithContext(prefix string, parts []string, message string, cause error) string {
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

// PipelineError represents errors related to a feature's pipeline state.
//
// Example:
//
//	err := errors.NewPipelineError("failed to load state", errors.ErrStateCorrupted)
//	err = err.WithFeatureDir("specs/042-login")
type PipelineError struct {
	baseError
	FeatureDir string
	Step       string
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(message string, cause error) *PipelineError {
	return &PipelineError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithFeatureDir adds the feature directory to the error context.
func (e *PipelineError) WithFeatureDir(dir string) *PipelineError {
	e.FeatureDir = dir
	return e
}

// WithStep adds a step name to the error context.
func (e *PipelineError) WithStep(step string) *PipelineError {
	e.Step = step
	return e
}

// WithSeverity sets the error severity.
func (e *PipelineError) WithSeverity(s Severity) *PipelineError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *PipelineError) Error() string {
	var parts []string
	if e.FeatureDir != "" {
		parts = append(parts, fmt.Sprintf("feature=%s", e.FeatureDir))
	}
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	return formatWithContext("pipeline error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *PipelineError) Is(target error) bool {
	if _, ok := target.(*PipelineError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DispatchError represents a failed external worker invocation.
//
// Example:
//
//	err := errors.NewDispatchError("idle timeout", errors.ErrTimeout).
//	    WithStep("implement").WithAttempt(3).WithClassification("idle-timeout")
type DispatchError struct {
	baseError
	Step           string
	Attempt        int
	ExitCode       int
	Classification string
}

// NewDispatchError creates a new DispatchError. Dispatch errors are retryable
// unless marked otherwise.
func NewDispatchError(message string, cause error) *DispatchError {
	return &DispatchError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithStep adds a step name to the error context.
func (e *DispatchError) WithStep(step string) *DispatchError {
	e.Step = step
	return e
}

// WithAttempt records the attempt number that failed.
func (e *DispatchError) WithAttempt(n int) *DispatchError {
	e.Attempt = n
	return e
}

// WithExitCode records the process exit code.
func (e *DispatchError) WithExitCode(code int) *DispatchError {
	e.ExitCode = code
	return e
}

// WithClassification records the failure classification (idle-timeout, max-timeout, exit-error...).
func (e *DispatchError) WithClassification(c string) *DispatchError {
	e.Classification = c
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *DispatchError) WithRetryable(r bool) *DispatchError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *DispatchError) Error() string {
	var parts []string
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.Classification != "" {
		parts = append(parts, fmt.Sprintf("class=%s", e.Classification))
	}
	if e.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	return formatWithContext("dispatch error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *DispatchError) Is(target error) bool {
	if _, ok := target.(*DispatchError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ReviewError represents errors raised while running a review loop.
type ReviewError struct {
	baseError
	Step      string
	Iteration int
}

// NewReviewError creates a new ReviewError.
func NewReviewError(message string, cause error) *ReviewError {
	return &ReviewError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithStep adds a step name to the error context.
func (e *ReviewError) WithStep(step string) *ReviewError {
	e.Step = step
	return e
}

// WithIteration records the iteration that failed.
func (e *ReviewError) WithIteration(n int) *ReviewError {
	e.Iteration = n
	return e
}

// Error returns the formatted error message.
func (e *ReviewError) Error() string {
	var parts []string
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	if e.Iteration > 0 {
		parts = append(parts, fmt.Sprintf("iteration=%d", e.Iteration))
	}
	return formatWithContext("review error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ReviewError) Is(target error) bool {
	if _, ok := target.(*ReviewError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to commit changes", cause)
//	err = err.WithRepository("/path/to/repo").WithGitOutput(string(output))
type GitError struct {
	baseError
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	msg := formatWithContext("git error", parts, e.message, e.cause)
	if out := strings.TrimSpace(e.GitOutput); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input, configuration or artifacts.
//
// Example:
//
//	err := errors.NewValidationError("exitCode must be a number").WithField("exitCode")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an idle or max timeout.
//
// Example:
//
//	err := errors.NewTimeoutError("dispatch plan", 5*time.Minute).WithKind("idle")
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
	Kind      string
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithKind records which timeout fired ("idle" or "max").
func (e *TimeoutError) WithKind(kind string) *TimeoutError {
	e.Kind = kind
	return e
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	kind := ""
	if e.Kind != "" {
		kind = e.Kind + " "
	}
	base := fmt.Sprintf("%stimeout: %s (timeout: %s)", kind, e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrRateLimited) {
		return false
	}
	var pe PipeError
	if As(err, &pe) {
		return pe.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to operators.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var pe PipeError
	if As(err, &pe) {
		return pe.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement PipeError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var pe PipeError
	if As(err, &pe) {
		return pe.Severity()
	}
	return SeverityError
}

// Kind returns a short machine-readable label for err, used in the JSON error
// objects the CLI prints.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrRateLimited):
		return "rate-limited"
	case Is(err, ErrAllPersonasFailed):
		return "personas-failed"
	case Is(err, ErrNoGo):
		return "no-go"
	case Is(err, ErrInvalidResult), Is(err, ErrResultMissing):
		return "invalid-result"
	case Is(err, ErrStateLocked):
		return "locked"
	case Is(err, ErrTimeout):
		return "timeout"
	}
	var (
		validation *ValidationError
		dispatch   *DispatchError
		review     *ReviewError
		pipeline   *PipelineError
		git        *GitError
	)
	switch {
	case As(err, &validation):
		return "validation"
	case As(err, &dispatch):
		return "dispatch"
	case As(err, &review):
		return "review"
	case As(err, &pipeline):
		return "pipeline"
	case As(err, &git):
		return "git"
	}
	return "internal"
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
