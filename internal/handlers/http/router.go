package http

import (
	"context"
	"net/http"
	"time"

	"preflight/internal/core/ports"
	"preflight/internal/core/services"
	"preflight/internal/infrastructure/middleware"
	"preflight/internal/infrastructure/monitoring"
	"preflight/pkg/config"
	"preflight/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps is everything the HTTP surface is built from. AuthService
// is nil when authentication is disabled; Gatherer is nil when metrics
// are not exported.
type RouterDeps struct {
	Config      *config.Config
	Controller  ports.DiagnosticsController
	Reports     ports.ReportRepository
	AuthService services.AuthService
	Health      *monitoring.HealthChecker
	Gatherer    prometheus.Gatherer
	WebSocket   http.Handler
	Logger      *zap.Logger
	StartedAt   time.Time
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Logger.Sugar()
	cfg := deps.Config

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(deps.Logger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	api := router.Group("/api/v1")
	view, operate := api, api
	if deps.AuthService != nil {
		view = api.Group("", middleware.AuthMiddleware(deps.AuthService, services.ScopeViewer))
		operate = view.Group("", middleware.RequireScope(deps.AuthService, services.ScopeOperator))

		NewAuthHandler(deps.AuthService, cfg.Auth.AccessTokenTTL, cfg.Diagnostics.Session.MessagingUserID).
			SetupRoutes(view, operate)
	}
	NewDiagnosticsHandler(deps.Controller, deps.Reports).SetupRoutes(view, operate)

	if deps.WebSocket != nil {
		ws := gin.WrapH(deps.WebSocket)
		if deps.AuthService != nil {
			router.GET("/ws", middleware.AuthMiddleware(deps.AuthService, services.ScopeViewer), ws)
		} else {
			router.GET("/ws", ws)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(deps.StartedAt).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := deps.Health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
