// Package handlers implements the gin handlers of the HTTP API.
package handlers

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Detail  string           `json:"detail,omitempty"`
}

// ErrorRecorder counts errors by component and code.
type ErrorRecorder interface {
	RecordError(component, code string)
}

// detailVisible lists the codes whose Detail helps the caller fix the request.
var detailVisible = map[errors.ErrorCode]bool{
	errors.ErrCodeBadRequest:      true,
	errors.ErrCodeValidation:      true,
	errors.ErrCodeSchemaViolation: true,
}

// toErrorResponse maps err to a status and body.  Errors without a code and
// 5xx errors without a caller-facing message are masked.
func toErrorResponse(err error) (int, ErrorResponse) {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorResponse{
			Code:    errors.ErrCodeTimeout,
			Message: "extraction timed out",
		}
	}

	var appErr *errors.AppError
	if !stdErrors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorResponse{
			Code:    errors.ErrCodeInternal,
			Message: "internal server error",
		}
	}

	status := errors.HTTPStatusForCode(appErr.Code)
	resp := ErrorResponse{Code: appErr.Code, Message: appErr.Message}
	if status == http.StatusInternalServerError {
		resp.Message = errors.ErrorCodeMessage[appErr.Code]
	}
	if detailVisible[appErr.Code] {
		resp.Detail = appErr.Detail
	}
	return status, resp
}

func respondError(c *gin.Context, logger logging.Logger, recorder ErrorRecorder, component string, err error) {
	status, resp := toErrorResponse(err)
	_ = c.Error(err)
	if recorder != nil {
		recorder.RecordError(component, string(resp.Code))
	}
	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("request failed",
			logging.String("component", component),
			logging.String("code", string(resp.Code)),
			logging.Err(err))
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(message string) error {
	return errors.InvalidParam(message)
}

// parsePagination reads page and page_size.  Malformed values are rejected
// rather than silently replaced.
func parsePagination(c *gin.Context) (common.Pagination, error) {
	var p common.Pagination
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, badRequest("page must be an integer")
		}
		p.Page = n
	}
	if v := c.Query("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, badRequest("page_size must be an integer")
		}
		p.PageSize = n
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return p, badRequest(err.Error())
	}
	return p, nil
}
