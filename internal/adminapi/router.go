package adminapi

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the admin API's gin engine: unauthenticated
// read-only introspection, JWT-gated control routes.
func NewRouter(h *Handlers, logger *slog.Logger, jwksURL string, hmacKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Security())
	r.Use(newLogMiddleware(logger))
	r.Use(Metrics())

	r.GET("/healthz/live", h.Liveness)
	r.GET("/healthz/ready", h.Readiness)
	r.GET("/plans", h.ListPlans)
	r.GET("/operators", h.ListOperators)

	auth := Auth(jwksURL, hmacKey)
	ctl := r.Group("/control", auth)
	ctl.POST("/verbose", h.SetVerbose)
	ctl.POST("/queue/disable", h.DisableQueue)
	ctl.POST("/queue/enable", h.EnableQueue)
	ctl.POST("/terminate-children", h.TerminateChildren)

	return r
}
