package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/icd"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
)

// ICDHandler serves whitelist lookups.
type ICDHandler struct {
	logger   logging.Logger
	recorder ErrorRecorder
}

func NewICDHandler(logger logging.Logger, recorder ErrorRecorder) *ICDHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ICDHandler{logger: logger, recorder: recorder}
}

// Resolve handles GET /api/v1/icd?phrase=low+back+pain.  The leading symptom
// of a complaint ("neck pain for 3 days") is resolved too.
func (h *ICDHandler) Resolve(c *gin.Context) {
	phrase := c.Query("phrase")
	if phrase == "" {
		respondError(c, h.logger, h.recorder, "icd", errors.InvalidParam("phrase query parameter is required"))
		return
	}
	code, ok := icd.ResolveICD10(phrase)
	if !ok {
		code, ok = icd.ResolveICD10(icd.LeadingSymptom(phrase))
	}
	if !ok {
		respondError(c, h.logger, h.recorder, "icd",
			errors.NotFound("no whitelisted ICD-10 code for phrase").WithDetail(phrase))
		return
	}
	c.JSON(http.StatusOK, code)
}

// Whitelist handles GET /api/v1/icd/whitelist.
func (h *ICDHandler) Whitelist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": icd.Whitelist()})
}
