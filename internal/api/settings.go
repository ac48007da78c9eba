package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/usage"
)

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Snapshot())
}

// handleUpdateSettings applies the mutable settings atomically and persists
// them to the config file. Listener address and database path stay fixed
// until restart.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	next := s.cfg.Snapshot()
	if err := c.ShouldBindJSON(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := next.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.cfg.Replace(next)
	if err := s.cfg.Save(); err != nil {
		log.WithError(err).Warn("api: settings applied but not persisted")
		c.JSON(http.StatusOK, gin.H{"applied": true, "persisted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "persisted": true})
}

// handleLiveStats combines the in-memory counters with the backend rollup
// when an audit backend is configured.
func (s *Server) handleLiveStats(c *gin.Context) {
	resp := gin.H{"live": usage.Live()}
	if backend := usage.Current(); backend != nil {
		since := sinceParam(c, 30)
		stats, err := backend.QueryGlobalStats(c.Request.Context(), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["history"] = stats
		resp["since"] = since
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDailyStats(c *gin.Context) {
	backend := usage.Current()
	if backend == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage persistence is not configured"})
		return
	}
	since := sinceParam(c, 30)
	stats, err := backend.QueryDailyStats(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "days": stats})
}

func (s *Server) handleAccountStats(c *gin.Context) {
	backend := usage.Current()
	if backend == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage persistence is not configured"})
		return
	}
	since := sinceParam(c, 30)
	stats, err := backend.QueryAccountStats(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "accounts": stats})
}

func sinceParam(c *gin.Context, defaultDays int) time.Time {
	days := defaultDays
	if raw := c.Query("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			days = n
		}
	}
	return time.Now().AddDate(0, 0, -days)
}
