// Package failures classifies client-side errors into the categories the retry and queue
// layers act on.
package failures

import (
	"context"
	"errors"
	"fmt"
)

// Category identifies how a failure should be handled by callers.
type Category string

const (
	// CategoryUnknown is assigned to errors that carry no classification.
	CategoryUnknown Category = "unknown"
	// CategoryTransientNetwork covers timeouts, refused connections and 5xx responses.
	CategoryTransientNetwork Category = "transient_network"
	// CategoryTransientStorage covers local storage write/read failures that may clear up.
	CategoryTransientStorage Category = "transient_storage"
	// CategoryAuthentication indicates a missing, expired or invalid member token.
	CategoryAuthentication Category = "authentication"
	// CategoryPermissionDenied indicates the member may not perform the action.
	CategoryPermissionDenied Category = "permission_denied"
	// CategoryValidation indicates the request itself was rejected, including cutoff violations.
	CategoryValidation Category = "validation"
	// CategoryConflict indicates the server state disagrees with the request.
	CategoryConflict Category = "conflict"
)

const (
	// CodeCutoffPassed marks a validation failure caused by a meal cutoff.
	CodeCutoffPassed = "cutoff_passed"
	// CodeServiceUnreachable marks a network failure to reach the server at all.
	CodeServiceUnreachable = "service_unreachable"
)

// Error is a categorized failure. Op names the operation that failed.
type Error struct {
	Op       string
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if message == "" {
		message = string(e.Category)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, message)
	}
	return fmt.Sprintf("%s: %s", e.Op, message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a categorized error.
func New(op string, category Category, code, message string, cause error) *Error {
	return &Error{Op: op, Category: category, Code: code, Message: message, Err: cause}
}

// TransientNetwork wraps a retryable network failure.
func TransientNetwork(op string, cause error) *Error {
	return New(op, CategoryTransientNetwork, "", "", cause)
}

// TransientStorage wraps a retryable local storage failure.
func TransientStorage(op string, cause error) *Error {
	return New(op, CategoryTransientStorage, "", "", cause)
}

// Unreachable reports that the server could not be reached. It is a transient network
// failure and never a cutoff violation.
func Unreachable(op string, cause error) *Error {
	return New(op, CategoryTransientNetwork, CodeServiceUnreachable, "service unreachable", cause)
}

// CutoffViolation reports a rejected meal change because the period's cutoff has passed.
func CutoffViolation(op, reason string) *Error {
	return New(op, CategoryValidation, CodeCutoffPassed, reason, nil)
}

// CategoryOf returns the category of the first *Error in err's chain.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}
	return CategoryUnknown
}

// IsTransient reports whether err belongs to a category that may succeed on retry.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch CategoryOf(err) {
	case CategoryTransientNetwork, CategoryTransientStorage:
		return true
	default:
		return false
	}
}

// IsCutoffViolation reports whether err is a cutoff rejection.
func IsCutoffViolation(err error) bool {
	var categorized *Error
	if !errors.As(err, &categorized) {
		return false
	}
	return categorized.Category == CategoryValidation && categorized.Code == CodeCutoffPassed
}

// IsUnreachable reports whether err means the server could not be reached.
func IsUnreachable(err error) bool {
	var categorized *Error
	if !errors.As(err, &categorized) {
		return false
	}
	return categorized.Category == CategoryTransientNetwork && categorized.Code == CodeServiceUnreachable
}

// IsTerminal reports whether err can never succeed on replay: authentication, permission,
// validation and conflict failures.
func IsTerminal(err error) bool {
	switch CategoryOf(err) {
	case CategoryAuthentication, CategoryPermissionDenied, CategoryValidation, CategoryConflict:
		return true
	default:
		return false
	}
}
