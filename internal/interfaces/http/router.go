// Package http wires the gin engine: global middleware, probes, metrics and
// the /api/v1 resource groups.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/interfaces/http/handlers"
	"github.com/timmyxieat/tcm-intake/internal/interfaces/http/middleware"
)

// RouterConfig aggregates the handlers and middleware of the route tree.
// Nil handlers leave their routes unregistered.
type RouterConfig struct {
	NoteHandler        *handlers.NoteHandler
	AcupunctureHandler *handlers.AcupunctureHandler
	ICDHandler         *handlers.ICDHandler
	HealthHandler      *handlers.HealthHandler

	Logger         logging.Logger
	Metrics        middleware.HTTPMetrics
	MetricsHandler http.Handler
	MetricsPath    string
	CORS           *middleware.CORSConfig
	// ExtractLimiter throttles the routes that call the LLM.
	ExtractLimiter middleware.RateLimiter
	MaxBodySize    int64
}

// NewRouter builds the engine.  Middleware order: recovery, request ID,
// CORS, logging, metrics, body limit.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID())
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}
	r.Use(middleware.RequestLogging(logger, middleware.DefaultLoggingConfig()))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}
	r.Use(middleware.BodyLimit(cfg.MaxBodySize))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Code: "COMMON_005", Message: "route not found"})
	})

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Liveness)
		r.GET("/readyz", cfg.HealthHandler.Readiness)
	}
	if cfg.MetricsHandler != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/api/v1")
	extractGuard := func(c *gin.Context) { c.Next() }
	if cfg.ExtractLimiter != nil {
		extractGuard = middleware.RateLimit(cfg.ExtractLimiter)
	}

	registerNoteRoutes(api, cfg.NoteHandler, extractGuard)
	registerAcupunctureRoutes(api, cfg.AcupunctureHandler)
	registerICDRoutes(api, cfg.ICDHandler)
	return r
}

func registerNoteRoutes(api *gin.RouterGroup, h *handlers.NoteHandler, guard gin.HandlerFunc) {
	if h == nil {
		return
	}
	api.POST("/notes/extract", guard, h.Extract)
	api.GET("/notes/prompt", h.Prompt)
	api.GET("/notes", h.List)

	p := api.Group("/patients/:patientID")
	p.POST("/notes", guard, h.Generate)
	p.GET("/notes", h.Get)
	p.DELETE("/notes", h.Delete)
	p.GET("/notes/history", h.History)
	p.GET("/archives", h.Archives)
}

func registerAcupunctureRoutes(api *gin.RouterGroup, h *handlers.AcupunctureHandler) {
	if h == nil {
		return
	}
	g := api.Group("/acupuncture")
	g.POST("/regions", h.Regions)
	g.GET("/classify", h.Classify)
	g.GET("/channels", h.Channels)
}

func registerICDRoutes(api *gin.RouterGroup, h *handlers.ICDHandler) {
	if h == nil {
		return
	}
	api.GET("/icd", h.Resolve)
	api.GET("/icd/whitelist", h.Whitelist)
}
