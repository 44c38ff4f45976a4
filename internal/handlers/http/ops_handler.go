package http

import (
	"context"
	"net/http"
	"time"

	"segchat/internal/infrastructure/middleware"
	"segchat/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// OpsHandler serves the tracker's operational endpoints. It carries no chat
// functionality.
type OpsHandler struct {
	health    *monitoring.HealthChecker
	gatherer  prometheus.Gatherer
	events    *EventHub
	startTime time.Time
}

// NewOpsHandler wires the handler. A nil gatherer disables /metrics and a nil
// hub disables /events.
func NewOpsHandler(health *monitoring.HealthChecker, gatherer prometheus.Gatherer, events *EventHub) *OpsHandler {
	return &OpsHandler{
		health:    health,
		gatherer:  gatherer,
		events:    events,
		startTime: time.Now(),
	}
}

func (h *OpsHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	if h.events != nil {
		router.GET("/events", gin.WrapF(h.events.HandleWebSocket))
	}
}

func (h *OpsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

// Ready runs every registered dependency check.
func (h *OpsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	status := h.health.CheckAll(ctx)
	if status.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not_ready",
			"timestamp":    status.Timestamp,
			"dependencies": status.Checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ready",
		"timestamp":    status.Timestamp,
		"dependencies": status.Checks,
	})
}

// NewRouter returns a gin engine with the ops routes mounted.
func NewRouter(h *OpsHandler, logger *zap.SugaredLogger, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.TracingMiddleware(),
	)
	h.SetupRoutes(router)
	return router
}
