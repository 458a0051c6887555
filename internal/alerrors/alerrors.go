// Package alerrors defines the error taxonomy shared by the run pipeline.
// Validation and system errors fail the enclosing call; policy, execution,
// and timeout conditions are absorbed into the event stream and must never
// surface as top-level errors.
package alerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("timeout")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
)

// Category classifies a failure for the event stream and API boundary.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryPolicy     Category = "policy"
	CategoryExecution  Category = "execution"
	CategoryTimeout    Category = "timeout"
	CategorySystem     Category = "system"
)

// Error is a structured error carrying its category and the operation that
// produced it.
type Error struct {
	Category  Category
	Op        string // operation that failed (e.g. "run.resume", "sandbox.exec")
	Subject   string // space/run id where the error occurred, if known
	Err       error
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching against the base error types.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return errors.Is(e.Err, ErrNotFound)
	case ErrInvalidInput:
		return e.Category == CategoryValidation
	case ErrTimeout:
		return e.Category == CategoryTimeout
	}
	return errors.Is(e.Err, target)
}

// New creates a categorized error.
func New(category Category, op, subject string, err error) *Error {
	return &Error{
		Category:  category,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// System wraps an infrastructure failure (container runtime unavailable,
// registry missing the space).
func System(op, subject string, err error) *Error {
	return New(CategorySystem, op, subject, err)
}

// CategoryOf extracts the category from an error chain, defaulting to system.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return CategoryValidation
	}
	return CategorySystem
}

// Issue names one offending field in a rejected envelope or operation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError rejects malformed input before any execution, enumerating
// every offending field.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Path + ": " + issue.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is lets callers match with errors.Is(err, ErrInvalidInput).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidation builds a ValidationError from collected issues.
func NewValidation(issues []Issue) *ValidationError {
	return &ValidationError{Issues: issues}
}

// IsValidation reports whether the error chain contains a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
