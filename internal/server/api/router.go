package api

import (
	"relay/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload initiation only; resolve/redeem stay cheap
	// reads and the link token is the throttle there.
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Two-phase upload protocol
	e.POST("/upload/init", handler.HandleInitUpload, uploadLimiter.Middleware())
	e.POST("/upload/complete", handler.HandleCompleteUpload)

	// Link probe and redemption
	e.GET("/link/:token", handler.HandleResolveLink)
	e.POST("/link/:token", handler.HandleRedeemLink)

	return e
}
