package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth serves GET /health: pool and cache visibility for operators.
func (s *Server) handleHealth(c *gin.Context) {
	out := gin.H{
		"status":           "ok",
		"time":             time.Now().UTC().Format(time.RFC3339),
		"signature_caches": s.caches.Sizes(),
	}
	if stats, err := s.pool.StatsSnapshot(c.Request.Context()); err == nil {
		out["pool"] = stats
	} else {
		out["status"] = "degraded"
		out["pool_error"] = "unavailable"
	}
	c.JSON(http.StatusOK, out)
}
