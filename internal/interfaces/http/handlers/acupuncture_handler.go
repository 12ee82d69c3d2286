package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmyxieat/tcm-intake/internal/application/intake"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/acupuncture"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// PointService classifies points and re-derives regions from an edited
// point list.
type PointService interface {
	Classify(ctx context.Context, name string) acupuncture.Classification
	Regionize(ctx context.Context, points []note.FlatPoint, defaultSide note.Side) ([]intake.AnnotatedRegion, error)
}

// RegionsRequest is the body of POST /api/v1/acupuncture/regions.
type RegionsRequest struct {
	Points      []note.FlatPoint `json:"points"`
	DefaultSide note.Side        `json:"defaultSide"`
}

// ChannelRange is one row of the channel table.
type ChannelRange struct {
	Start  int             `json:"start"`
	End    int             `json:"end"`
	Region note.RegionName `json:"region"`
}

// AcupunctureHandler serves point classification.  It never calls the LLM.
type AcupunctureHandler struct {
	svc      PointService
	logger   logging.Logger
	recorder ErrorRecorder
}

func NewAcupunctureHandler(svc PointService, logger logging.Logger, recorder ErrorRecorder) *AcupunctureHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &AcupunctureHandler{svc: svc, logger: logger, recorder: recorder}
}

func (h *AcupunctureHandler) fail(c *gin.Context, err error) {
	respondError(c, h.logger, h.recorder, "acupuncture", err)
}

// Regions handles POST /api/v1/acupuncture/regions.
func (h *AcupunctureHandler) Regions(c *gin.Context) {
	var req RegionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Side and method decoding rejects values outside the enumerations.
		h.fail(c, badRequest("invalid points: "+err.Error()))
		return
	}
	regions, err := h.svc.Regionize(c.Request.Context(), req.Points, req.DefaultSide)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"regions": regions})
}

// Classify handles GET /api/v1/acupuncture/classify?point=BL-23.
func (h *AcupunctureHandler) Classify(c *gin.Context) {
	point := c.Query("point")
	if point == "" {
		h.fail(c, badRequest("point query parameter is required"))
		return
	}
	c.JSON(http.StatusOK, h.svc.Classify(c.Request.Context(), point))
}

// Channels handles GET /api/v1/acupuncture/channels.
func (h *AcupunctureHandler) Channels(c *gin.Context) {
	out := make(map[string][]ChannelRange)
	for _, ch := range acupuncture.Channels() {
		for _, r := range acupuncture.ChannelRanges(ch) {
			out[ch] = append(out[ch], ChannelRange{Start: r.Start, End: r.End, Region: r.Region})
		}
	}
	c.JSON(http.StatusOK, out)
}
