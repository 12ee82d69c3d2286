// Package errors provides the unified error type used across tcm-intake.
// Every layer (intelligence, application, infrastructure, interfaces) reports
// failures as *AppError so the HTTP layer, the CLI and the metrics middleware
// can classify them by code without string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ─────────────────────────────────────────────────────────────────────────────
// Stack capture
// ─────────────────────────────────────────────────────────────────────────────

// stackDepth bounds the number of frames captured per error.
const stackDepth = 32

// captureStack formats the call stack above New/Wrap.  Runtime frames are
// dropped to keep traces short in log output.
func captureStack(skip int) string {
	pcs := make([]uintptr, stackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		if !strings.Contains(f.File, "runtime/") {
			fmt.Fprintf(&sb, "\n\t%s:%d %s", f.File, f.Line, f.Function)
		}
		if !more {
			break
		}
	}
	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// AppError
// ─────────────────────────────────────────────────────────────────────────────

// AppError is the structured error carried through every layer.  It works
// with errors.Is / errors.As / errors.Unwrap through Unwrap.
//
//	return errors.New(errors.ErrCodeEmptyInput, "clinical notes are empty")
//	return errors.Wrap(err, errors.ErrCodeProvider, "llm request failed").
//	           WithDetail("provider=openai status=429")
type AppError struct {
	// Code classifies the failure.  The HTTP status is derived from it.
	Code ErrorCode

	// Message is safe to return to API callers.
	Message string

	// Detail carries debugging context (provider status, violated schema
	// paths, patient id) that is logged but not required by callers.
	Detail string

	// Cause is the lower-level error, if any.
	Cause error

	// Stack is captured by New and Wrap.  It is never part of Error().
	Stack string
}

// Error renders "[CODE] message: detail" followed by the cause, if any.
func (e *AppError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(e.Code.String())
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another *AppError by code so sentinel values declared with New
// can be compared with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetail returns a copy of e with Detail set.  Nil-safe.
func (e *AppError) WithDetail(detail string) *AppError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Detail = detail
	return &clone
}

// WithCause returns a copy of e with Cause set.  Nil-safe.
func (e *AppError) WithCause(err error) *AppError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Cause = err
	return &clone
}

// ─────────────────────────────────────────────────────────────────────────────
// Factories
// ─────────────────────────────────────────────────────────────────────────────

// New constructs an AppError without an underlying cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Stack:   captureStack(1),
	}
}

// Newf is New with fmt formatting of the message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(1),
	}
}

// Wrap constructs an AppError around err.  It returns nil when err is nil.
// When code is CodeUnknown and err already carries an AppError, the original
// code is kept so that adding context never loses the classification.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	if code == CodeUnknown {
		var ae *AppError
		if errors.As(err, &ae) {
			code = ae.Code
		}
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Stack:   captureStack(1),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Chain inspection
// ─────────────────────────────────────────────────────────────────────────────

// IsCode reports whether any *AppError in err's chain has the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var ae *AppError
		if !errors.As(err, &ae) {
			return false
		}
		if ae.Code == code {
			return true
		}
		err = ae.Cause
	}
	return false
}

// GetCode returns the code of the outermost *AppError in err's chain,
// CodeOK for nil and CodeUnknown for foreign errors.
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// IsNotFound reports whether err is a not-found condition of any module.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound) || IsCode(err, ErrCodeNoteNotFound)
}

// IsValidation reports whether err is a caller input problem.
func IsValidation(err error) bool {
	return IsCode(err, ErrCodeValidation) || IsCode(err, ErrCodeBadRequest) || IsEmptyInput(err)
}

// IsConflict reports whether err is a resource conflict.
func IsConflict(err error) bool {
	return IsCode(err, ErrCodeConflict) || IsCode(err, ErrCodeExtractionInProgress)
}

// ─────────────────────────────────────────────────────────────────────────────
// Extraction failure kinds
// ─────────────────────────────────────────────────────────────────────────────
// The four fatal extraction outcomes.  Each aborts the whole extraction; no
// partial note accompanies them.

// EmptyInput reports clinical notes that are empty or whitespace only.
func EmptyInput(message string) *AppError {
	return &AppError{Code: ErrCodeEmptyInput, Message: message, Stack: captureStack(1)}
}

// Provider wraps a transport or non-success response from the LLM provider.
// The provider's own message is kept in the cause.
func Provider(err error, message string) *AppError {
	return &AppError{Code: ErrCodeProvider, Message: message, Cause: err, Stack: captureStack(1)}
}

// SchemaViolation reports provider content that does not match the
// requested JSON Schema.  violations is rendered into Detail.
func SchemaViolation(message string, violations []string) *AppError {
	return &AppError{
		Code:    ErrCodeSchemaViolation,
		Message: message,
		Detail:  strings.Join(violations, "; "),
		Stack:   captureStack(1),
	}
}

// MalformedResponse reports provider content that is missing or not JSON.
func MalformedResponse(err error, message string) *AppError {
	return &AppError{Code: ErrCodeMalformedResponse, Message: message, Cause: err, Stack: captureStack(1)}
}

// IsEmptyInput reports whether err is an EmptyInput failure.
func IsEmptyInput(err error) bool { return IsCode(err, ErrCodeEmptyInput) }

// IsProviderError reports whether err is a Provider failure.
func IsProviderError(err error) bool { return IsCode(err, ErrCodeProvider) }

// IsSchemaViolation reports whether err is a SchemaViolation failure.
func IsSchemaViolation(err error) bool { return IsCode(err, ErrCodeSchemaViolation) }

// IsMalformedResponse reports whether err is a MalformedResponse failure.
func IsMalformedResponse(err error) bool { return IsCode(err, ErrCodeMalformedResponse) }

// ─────────────────────────────────────────────────────────────────────────────
// Common shorthands
// ─────────────────────────────────────────────────────────────────────────────

// NotFound constructs an ErrCodeNotFound AppError.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message, Stack: captureStack(1)}
}

// InvalidParam constructs an ErrCodeBadRequest AppError.
func InvalidParam(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message, Stack: captureStack(1)}
}

// Internal constructs an ErrCodeInternal AppError.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, Stack: captureStack(1)}
}

// Conflict constructs an ErrCodeConflict AppError.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, Stack: captureStack(1)}
}
