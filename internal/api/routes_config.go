package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/versus-project/versus/internal/config"
	"github.com/versus-project/versus/internal/events"
)

// handleGetConfig returns the current configuration without credential paths.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	app.MQTT.CertFile = ""
	app.MQTT.KeyFile = ""
	app.MQTT.CAFile = ""

	c.JSON(http.StatusOK, gin.H{
		"netplay":          s.cfg.GetNetplay(),
		"application_data": app,
	})
}

type fieldUpdate struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value" binding:"required"`
}

// handleSetNetplayField changes one netplay setting for the next match.
func (s *Server) handleSetNetplayField(c *gin.Context) {
	var req fieldUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetNetplay()
	if err := s.cfg.UpdateNetplayField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetNetplay(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "netplay",
			Key:     req.Key,
			Value:   req.Value,
		},
	})

	s.logger.Info().Str("key", req.Key).Interface("value", req.Value).Msg("netplay setting updated")

	c.JSON(http.StatusOK, gin.H{
		"status":  "updated",
		"netplay": s.cfg.GetNetplay(),
	})
}
