package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusHandler handles GET /api/v1/status.
// A degraded pipeline still answers 200: the snapshot carries pause reasons
// and the staleness flag instead of turning into an error.
func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipe.Status(c.Request.Context()))
}
