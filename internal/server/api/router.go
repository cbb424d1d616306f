package api

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intake/internal/server/config"
)

// SetupRouter creates and configures the echo router with all routes and
// middleware. The returned limiter must be closed on shutdown.
func SetupRouter(handler *Handler, cfg *config.Config, logger *slog.Logger) (*echo.Echo, *RateLimiter) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-File-Name", "X-File-Type", "X-File-Size"},
	}))
	e.Use(RequestLogger(logger))
	e.Use(Metrics())

	requestLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	operator := OperatorAuth(cfg.OperatorTokenHash, logger)

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	uploads := e.Group("/uploads")

	// Client flow
	uploads.POST("/request", handler.HandleRequestUpload, requestLimiter.Middleware())
	uploads.POST("/complete", handler.HandleCompleteUpload)
	uploads.GET("/status/:id", handler.HandleStatus)
	uploads.GET("/allowed-types", handler.HandleAllowedTypes)

	// Operator actions
	uploads.GET("/stats", handler.HandleStats, operator)
	uploads.POST("/scan-cache/clear", handler.HandleClearScanCache, operator)
	uploads.DELETE("/:id", handler.HandleDelete, operator)

	return e, requestLimiter
}
