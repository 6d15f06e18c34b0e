package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const maxMatchesLimit = 200

// handleGetSession returns the running session's counters.
func (s *Server) handleGetSession(c *gin.Context) {
	session := s.currentSession()
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, session.Stats())
}

// handleGetLatency returns RTT statistics, with the newest samples when
// ?history=N is given.
func (s *Server) handleGetLatency(c *gin.Context) {
	if s.latency == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "latency monitor not running"})
		return
	}

	resp := gin.H{"stats": s.latency.Stats()}
	if raw := c.Query("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history count"})
			return
		}
		history := s.latency.History()
		if n < len(history) {
			history = history[len(history)-n:]
		}
		resp["history"] = history
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetMatches lists recorded matches, newest first.
func (s *Server) handleGetMatches(c *gin.Context) {
	if s.matches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "match log disabled"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMatchesLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = n
	}

	matches, err := s.matches.RecentMatches(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list matches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list matches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"total":   len(matches),
	})
}

// handleGetMatch returns one match and its alerts.
func (s *Server) handleGetMatch(c *gin.Context) {
	if s.matches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "match log disabled"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match ID"})
		return
	}

	match, err := s.matches.GetMatch(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	}
	alerts, err := s.matches.Alerts(id)
	if err != nil {
		s.logger.Error().Err(err).Int64("match_id", id).Msg("failed to load alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"match":  match,
		"alerts": alerts,
	})
}
