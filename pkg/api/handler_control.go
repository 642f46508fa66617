package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evetactical/gatewatch/pkg/pipeline"
)

// Control outcomes. Commands are idempotent: repeating one whose end state
// already holds reports no_change instead of an error.
const (
	outcomeStarted   = "started"
	outcomeStopped   = "stopped"
	outcomeReloaded  = "reloaded"
	outcomeScheduled = "scheduled"
	outcomeNoChange  = "no_change"
)

// ControlResponse is returned by the POST /api/v1/control endpoints.
type ControlResponse struct {
	Command string                 `json:"command"`
	Outcome string                 `json:"outcome"`
	State   pipeline.State         `json:"state"`
	Reload  *pipeline.ReloadResult `json:"reload,omitempty"`
}

// startHandler handles POST /api/v1/control/start.
func (s *Server) startHandler(c *gin.Context) {
	outcome := outcomeStarted
	err := s.pipe.Start(c.Request.Context())
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		outcome = outcomeNoChange
	case err != nil:
		s.controlError(c, "start", err)
		return
	}
	c.JSON(http.StatusOK, &ControlResponse{
		Command: "start",
		Outcome: outcome,
		State:   s.pipe.State(),
	})
}

// stopHandler handles POST /api/v1/control/stop.
func (s *Server) stopHandler(c *gin.Context) {
	outcome := outcomeStopped
	err := s.pipe.Stop(c.Request.Context())
	switch {
	case errors.Is(err, pipeline.ErrNotRunning):
		outcome = outcomeNoChange
	case err != nil:
		s.controlError(c, "stop", err)
		return
	}
	c.JSON(http.StatusOK, &ControlResponse{
		Command: "stop",
		Outcome: outcome,
		State:   s.pipe.State(),
	})
}

// reloadProfilesHandler handles POST /api/v1/control/reload-profiles.
// Files that fail to load are reported per file; the reload still applies
// the rest.
func (s *Server) reloadProfilesHandler(c *gin.Context) {
	res, err := s.pipe.ReloadProfiles()
	if err != nil {
		s.controlError(c, "reload_profiles", err)
		return
	}
	c.JSON(http.StatusOK, &ControlResponse{
		Command: "reload_profiles",
		Outcome: outcomeReloaded,
		State:   s.pipe.State(),
		Reload:  res,
	})
}

// backfillHandler handles POST /api/v1/control/backfill.
// The run is asynchronous; its result lands in the status snapshot. A run
// already in flight satisfies the request.
func (s *Server) backfillHandler(c *gin.Context) {
	err := s.pipe.BackfillNow()
	if errors.Is(err, pipeline.ErrBackfillBusy) {
		c.JSON(http.StatusOK, &ControlResponse{
			Command: "backfill",
			Outcome: outcomeNoChange,
			State:   s.pipe.State(),
		})
		return
	}
	if err != nil {
		s.controlError(c, "backfill", err)
		return
	}
	c.JSON(http.StatusAccepted, &ControlResponse{
		Command: "backfill",
		Outcome: outcomeScheduled,
		State:   s.pipe.State(),
	})
}

// controlError maps pipeline errors to HTTP error responses. State conflicts
// surface as 409 with the sentinel text; anything else is logged and hidden
// behind a generic 500.
func (s *Server) controlError(c *gin.Context, command string, err error) {
	if errors.Is(err, pipeline.ErrNotRunning) {
		c.JSON(http.StatusConflict, gin.H{"command": command, "error": err.Error()})
		return
	}
	s.logger.Error("control command failed", "command", command, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"command": command, "error": "internal server error"})
}
