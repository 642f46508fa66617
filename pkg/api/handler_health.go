package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evetactical/gatewatch/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Reasons []string `json:"reasons,omitempty"`
}

// healthzHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated probes. The
// verdict is the pipeline's own liveness predicate: a stopped pipeline, a
// stalled poll loop, a paused enrichment edge, or an unreachable store all
// report unhealthy with the reasons spelled out.
func (s *Server) healthzHandler(c *gin.Context) {
	ok, reasons := s.pipe.Healthy(c.Request.Context())

	resp := &HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	}
	httpStatus := http.StatusOK
	if !ok {
		resp.Status = healthStatusUnhealthy
		resp.Reasons = reasons
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
