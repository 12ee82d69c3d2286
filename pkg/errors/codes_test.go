package errors

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "NOTE_001", ErrCodeEmptyInput.String())
}

func TestHTTPStatusForCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeValidation, http.StatusUnprocessableEntity},
		{ErrCodeEmptyInput, http.StatusBadRequest},
		{ErrCodeProvider, http.StatusBadGateway},
		{ErrCodeSchemaViolation, http.StatusBadGateway},
		{ErrCodeMalformedResponse, http.StatusBadGateway},
		{ErrCodeExtractionInProgress, http.StatusConflict},
		{ErrorCode("UNKNOWN"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, HTTPStatusForCode(tt.code), tt.code)
	}
}

func TestDefaultMessageForCode(t *testing.T) {
	assert.Equal(t, "clinical notes are empty", DefaultMessageForCode(ErrCodeEmptyInput))
	assert.Equal(t, "unknown error", DefaultMessageForCode(ErrorCode("UNKNOWN")))
}

func TestIsClientError_IsServerError(t *testing.T) {
	assert.True(t, IsClientError(ErrCodeEmptyInput))
	assert.False(t, IsClientError(ErrCodeProvider))
	assert.True(t, IsServerError(ErrCodeProvider))
	assert.False(t, IsServerError(ErrCodeBadRequest))
}

func TestModuleForCode(t *testing.T) {
	assert.Equal(t, "COMMON", ModuleForCode(ErrCodeInternal))
	assert.Equal(t, "NOTE", ModuleForCode(ErrCodeSchemaViolation))
	assert.Equal(t, "LLM", ModuleForCode(ErrCodeLLMNotConfigured))
	assert.Equal(t, "UNKNOWN", ModuleForCode(ErrorCode("")))
}

func TestErrorCodeMappings_Complete(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z]+_\d{3}$`)
	for code := range ErrorCodeHTTPStatus {
		assert.Regexp(t, re, string(code))
		_, ok := ErrorCodeMessage[code]
		assert.True(t, ok, "missing default message for %s", code)
	}
	assert.Len(t, ErrorCodeMessage, len(ErrorCodeHTTPStatus))
}
