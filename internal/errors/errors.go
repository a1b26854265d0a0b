// Package errors holds the error definitions shared across speedsnake.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Load errors. Any of these aborts the whole load; there is no partial table.
	ErrNoSourceFiles    = errors.New("no source files found")
	ErrMissingField     = errors.New("missing required field")
	ErrUnreadableSource = errors.New("unreadable source file")

	// Aggregation errors
	ErrInvalidGranularity = errors.New("invalid granularity")

	// Cache errors
	ErrCacheCorrupt = errors.New("corrupt cache entry")

	// User input errors
	ErrInvalidQuery = errors.New("invalid query")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Session errors
	ErrSessionClosed = errors.New("session is closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// New is a convenience wrapper for errors.New
var New = errors.New

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsLoadError returns true if err is a record loading error.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrNoSourceFiles) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnreadableSource)
}

// IsCacheError returns true if err came from reading a cache entry.
func IsCacheError(err error) bool {
	return errors.Is(err, ErrCacheCorrupt)
}

// IsUserError returns true if err was caused by user input and can be
// reported back as a bad request.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidGranularity)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewMissingField creates a missing field error for a source file.
func NewMissingField(path, field string) error {
	return fmt.Errorf("%s: column %q: %w", path, field, ErrMissingField)
}

// NewUnreadable creates an unreadable source error.
func NewUnreadable(path string, cause error) error {
	return fmt.Errorf("%s: %w: %v", path, ErrUnreadableSource, cause)
}

// NewCacheCorrupt creates a corrupt cache entry error.
func NewCacheCorrupt(path string, cause error) error {
	return fmt.Errorf("cache entry %s: %w: %v", path, ErrCacheCorrupt, cause)
}

// NewInvalidQuery creates an invalid query error.
func NewInvalidQuery(field string, value interface{}, reason string) error {
	return fmt.Errorf("%s '%v': %s: %w", field, value, reason, ErrInvalidQuery)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns all collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
