package rule

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes public API errors. Every error surfaced by the
// engine's public operations carries one of these codes and a numeric
// status suitable for HTTP mapping.
type ErrorCode string

const (
	// CodeValidation indicates rule input failed schema checks.
	CodeValidation ErrorCode = "RULE_VALIDATION_ERROR"
	// CodeNotFound indicates the target rule/group/fact/timer does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeConflict indicates a duplicate id on register/create.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeUnavailable indicates an optional subsystem is not configured.
	CodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// CodeBadRequest indicates a malformed request outside schema validation.
	CodeBadRequest ErrorCode = "BAD_REQUEST"
)

// Severity grades a validation issue. Warnings do not block registration.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue describes a single problem found while validating rule
// input. Field uses dotted paths into the rule record
// ("trigger.pattern", "actions[2].topic").
type ValidationIssue struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Error is the typed error returned at the engine's public API surface.
// Never a raw runtime error: every failure path wraps into one of these.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	Issues  []ValidationIssue
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Issues) > 0 {
		msgs := make([]string, 0, len(e.Issues))
		for _, iss := range e.Issues {
			if iss.Severity == SeverityError {
				msgs = append(msgs, iss.Field+": "+iss.Message)
			}
		}
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError builds a RULE_VALIDATION_ERROR carrying the issue list.
func NewValidationError(issues []ValidationIssue) *Error {
	return &Error{
		Code:    CodeValidation,
		Status:  400,
		Message: "rule validation failed",
		Issues:  issues,
	}
}

// NewNotFound builds a NOT_FOUND error for a missing entity.
func NewNotFound(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
	}
}

// NewConflict builds a CONFLICT error for a duplicate id.
func NewConflict(kind, id string) *Error {
	return &Error{
		Code:    CodeConflict,
		Status:  409,
		Message: fmt.Sprintf("%s already exists: %s", kind, id),
	}
}

// NewUnavailable builds a SERVICE_UNAVAILABLE error for an optional
// subsystem that is not configured.
func NewUnavailable(subsystem string) *Error {
	return &Error{
		Code:    CodeUnavailable,
		Status:  503,
		Message: fmt.Sprintf("%s is not configured", subsystem),
	}
}

// NewBadRequest builds a BAD_REQUEST error.
func NewBadRequest(format string, args ...any) *Error {
	return &Error{
		Code:    CodeBadRequest,
		Status:  400,
		Message: fmt.Sprintf(format, args...),
	}
}

// codeOf extracts the ErrorCode from an error chain, or "".
func codeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return codeOf(err) == CodeNotFound }

// IsConflict reports whether err carries CodeConflict.
func IsConflict(err error) bool { return codeOf(err) == CodeConflict }

// IsValidation reports whether err carries CodeValidation.
func IsValidation(err error) bool { return codeOf(err) == CodeValidation }

// IsUnavailable reports whether err carries CodeUnavailable.
func IsUnavailable(err error) bool { return codeOf(err) == CodeUnavailable }

// IsBadRequest reports whether err carries CodeBadRequest.
func IsBadRequest(err error) bool { return codeOf(err) == CodeBadRequest }
