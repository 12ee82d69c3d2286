package errors

import (
	"net/http"
	"strings"
)

// ErrorCode identifies a failure category as MODULE_NNN.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeUnauthorized       ErrorCode = "COMMON_003"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeConflict           ErrorCode = "COMMON_006"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
	ErrCodeStorageError       ErrorCode = "COMMON_015"
	ErrCodeMessagingError     ErrorCode = "COMMON_016"
)

// Extraction (NOTE) error codes
const (
	ErrCodeEmptyInput           ErrorCode = "NOTE_001"
	ErrCodeProvider             ErrorCode = "NOTE_002"
	ErrCodeSchemaViolation      ErrorCode = "NOTE_003"
	ErrCodeMalformedResponse    ErrorCode = "NOTE_004"
	ErrCodeNoteNotFound         ErrorCode = "NOTE_005"
	ErrCodeExtractionInProgress ErrorCode = "NOTE_006"
)

// LLM provider configuration codes
const (
	ErrCodeLLMProviderUnsupported ErrorCode = "LLM_001"
	ErrCodeLLMNotConfigured       ErrorCode = "LLM_002"
)

// Pseudo codes returned by GetCode.
const (
	CodeOK      ErrorCode = "OK"
	CodeUnknown ErrorCode = "UNKNOWN"
)

// ErrorCodeHTTPStatus maps codes to HTTP status codes.  Provider-side
// extraction failures surface as 502 so that clients retry by hand.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeExternalService:    http.StatusBadGateway,
	ErrCodeStorageError:       http.StatusInternalServerError,
	ErrCodeMessagingError:     http.StatusInternalServerError,

	ErrCodeEmptyInput:           http.StatusBadRequest,
	ErrCodeProvider:             http.StatusBadGateway,
	ErrCodeSchemaViolation:      http.StatusBadGateway,
	ErrCodeMalformedResponse:    http.StatusBadGateway,
	ErrCodeNoteNotFound:         http.StatusNotFound,
	ErrCodeExtractionInProgress: http.StatusConflict,

	ErrCodeLLMProviderUnsupported: http.StatusInternalServerError,
	ErrCodeLLMNotConfigured:       http.StatusServiceUnavailable,
}

// ErrorCodeMessage maps codes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeUnauthorized:       "unauthorized",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "request timeout",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeExternalService:    "external service error",
	ErrCodeStorageError:       "object storage error",
	ErrCodeMessagingError:     "messaging error",

	ErrCodeEmptyInput:           "clinical notes are empty",
	ErrCodeProvider:             "language model provider failed",
	ErrCodeSchemaViolation:      "language model response does not match the note schema",
	ErrCodeMalformedResponse:    "language model response is missing or not valid JSON",
	ErrCodeNoteNotFound:         "structured note not found",
	ErrCodeExtractionInProgress: "an extraction is already running for this patient",

	ErrCodeLLMProviderUnsupported: "unsupported language model provider",
	ErrCodeLLMNotConfigured:       "language model provider not configured",
}

// HTTPStatusForCode returns the HTTP status for code, 500 when unmapped.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for code.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError reports whether code maps to a 4xx status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError reports whether code maps to a 5xx status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the MODULE prefix of code.
func ModuleForCode(code ErrorCode) string {
	parts := strings.SplitN(string(code), "_", 2)
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
