package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handlePositions returns the open positions, or every tracked position
// when ?all=true is set.
func (s *Server) handlePositions(c *gin.Context) {
	if c.Query("all") == "true" {
		c.JSON(http.StatusOK, gin.H{"positions": s.store.All()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.store.Open()})
}

func (s *Server) handleClosedTrades(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": s.store.RecentClosed(limit)})
}

func (s *Server) handlePlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.sched.Plans()})
}

func (s *Server) handleRegime(c *gin.Context) {
	st := s.detector.Current()
	if st == nil {
		c.JSON(http.StatusOK, gin.H{"state": nil, "note": "no regime computed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (s *Server) handleProtection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"windows": s.detector.Protection().Active()})
}

func (s *Server) handleBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.Status())
}

func (s *Server) handleBalance(c *gin.Context) {
	total, locked, free := s.store.Balance()
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"locked": locked,
		"free":   free,
	})
}

// handleConfig returns the live configuration with credentials blanked.
func (s *Server) handleConfig(c *gin.Context) {
	cfg := *s.manager.Current()
	cfg.Binance.APIKey = ""
	cfg.Binance.SecretKey = ""
	cfg.Database.Password = ""
	cfg.Redis.Password = ""
	c.JSON(http.StatusOK, gin.H{
		"config":  cfg,
		"reloads": s.manager.Reloads(),
	})
}

func (s *Server) handleBreakerTrip(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual trip via API"
	}
	s.breaker.ForceTrip(body.Reason)
	c.JSON(http.StatusOK, s.breaker.Status())
}

func (s *Server) handleBreakerArm(c *gin.Context) {
	s.breaker.ForceArm()
	c.JSON(http.StatusOK, s.breaker.Status())
}

func (s *Server) handleConfigReload(c *gin.Context) {
	if err := s.manager.Reload(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.onReload != nil {
		s.onReload()
	}
	s.logger.Info().Int64("reloads", s.manager.Reloads()).Msg("configuration reloaded")
	c.JSON(http.StatusOK, gin.H{
		"status":  "reloaded",
		"reloads": s.manager.Reloads(),
	})
}
