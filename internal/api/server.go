// Package api serves the read-only ops surface: health, Prometheus
// metrics, persisted alerts, the loaded rule table, and the monitor's
// poll status. Nothing here mutates relay state.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailsink-io/mailsink/internal/models"
	"github.com/mailsink-io/mailsink/internal/monitor"
	"github.com/mailsink-io/mailsink/internal/rules"
	"github.com/mailsink-io/mailsink/internal/store"
	"github.com/mailsink-io/mailsink/internal/version"
)

const defaultAlertLimit = 50

// AlertSource is the read-only slice of the store the API serves.
type AlertSource interface {
	Recent(limit int) []*models.Alert
	Get(id string) (*models.Alert, error)
	Len() int
}

// StatusSource yields the current monitor snapshot.
type StatusSource func() monitor.Status

// Server wires the ops routes onto a gin engine.
type Server struct {
	alerts AlertSource
	rules  *rules.Table
	status StatusSource
	logger *log.Logger
	engine *gin.Engine
}

type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the ops server around its read-only sources.
func New(alerts AlertSource, table *rules.Table, status StatusSource, opts ...Option) *Server {
	s := &Server{
		alerts: alerts,
		rules:  table,
		status: status,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())
	s.engine = engine
	s.routes()
	return s
}

// Handler returns the http.Handler the runner mounts.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/alerts", s.handleAlerts)
	v1.GET("/alerts/:id", s.handleAlert)
	v1.GET("/rules", s.handleRules)
	v1.GET("/status", s.handleStatus)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Printf("api: %s %s -> %d in %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "mailsink",
		"version":   version.String(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid limit"})
			return
		}
		limit = parsed
	}

	alerts := s.alerts.Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(alerts),
		"total":   s.alerts.Len(),
		"alerts":  alerts,
	})
}

func (s *Server) handleAlert(c *gin.Context) {
	alert, err := s.alerts.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alert": alert})
}

func (s *Server) handleRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   s.rules.Len(),
		"rules":   s.rules.Rules(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": s.status()})
}
