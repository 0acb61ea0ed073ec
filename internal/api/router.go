// Package api wires together the HTTP routes of the bot.
//
// The only externally meaningful route is the Telegram webhook. It sits
// behind request ids, metrics, security headers and an optional per-IP rate
// limit; authenticity is checked by the webhook handler itself through the
// secret token Telegram echoes back. /health, /ready and /version are for
// orchestrators and carry no secrets.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hemis-audit/hemis-bot/internal/api/webhooks"
	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/middleware"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// Version is reported by /version; cmd/server overrides it at link time.
var Version = "dev"

// BackgroundServices holds what must be stopped during graceful shutdown. The
// caller (cmd/server) calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	webhook     *webhooks.TelegramWebhookHandler
	rateLimiter *middleware.RateLimiter
}

// Shutdown waits for background update handlers and stops the rate limiter's
// cleanup goroutine.
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")
	if bg.webhook != nil {
		if err := bg.webhook.Wait(ctx); err != nil {
			slog.Warn("background update handlers still running at shutdown", "error", err)
		}
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, handler webhooks.UpdateHandler) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	// Inside metrics and logging so a recovered panic is recorded as a 500.
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(cfg))
	router.GET("/version", versionHandler())

	webhookHandler := webhooks.NewTelegramWebhookHandler(cfg, handler)
	bg := &BackgroundServices{webhook: webhookHandler}

	hook := router.Group("")
	if cfg.Security.RateLimiting.Enabled {
		bg.rateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfigFrom(&cfg.Security.RateLimiting))
		hook.Use(middleware.RateLimitMiddleware(bg.rateLimiter))
	}
	hook.POST(webhooks.Path, webhookHandler.HandleWebhook)

	return router, bg
}

// healthCheckHandler is the liveness probe. It never calls upstream services.
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the credentials a command needs are
// present. Without them every /excel answers with the no-data message, so an
// orchestrator should not route traffic here yet.
func readinessHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{
			"hemis":    configuredLabel(cfg.Hemis.Configured()),
			"telegram": configuredLabel(cfg.Telegram.Configured()),
		}

		if !cfg.Hemis.Configured() || !cfg.Telegram.Configured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "credentials not configured",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func configuredLabel(ok bool) string {
	if ok {
		return "configured"
	}
	return "missing"
}

// versionHandler returns the build version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"webhook": webhooks.Path,
		})
	}
}

// LoggerMiddleware writes one structured slog record per request. The text or
// JSON rendering is chosen by the default handler installed in
// telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", telemetry.RequestID(c.Request.Context())),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
