package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/versus-project/versus/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "versus",
		"version": s.version,
	})
}

// handleGetVersion returns the build version.
func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"name":    "versus",
	})
}

// handleGetSystem returns host information and current load.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}
	if usage, err := util.GetResourceUsage(); err == nil {
		resp["usage"] = usage
	} else {
		s.logger.Debug().Err(err).Msg("resource usage unavailable")
	}
	c.JSON(http.StatusOK, resp)
}
