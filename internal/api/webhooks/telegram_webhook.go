// Package webhooks receives Telegram updates. Telegram redelivers any update
// that is not answered with a 2xx, so every well-authenticated request is
// acknowledged with 200 whether or not it produced a reply.
package webhooks

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/safego"
	"github.com/hemis-audit/hemis-bot/internal/telegram"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// Path is the route Telegram delivers updates to.
const Path = "/telegram-bot/webhook"

// SecretHeader carries the secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// defaultTimeout applies when bot.command_timeout is unset.
const defaultTimeout = 5 * time.Minute

// UpdateHandler handles one decoded message.
type UpdateHandler interface {
	Handle(ctx context.Context, msg *telegram.Message)
}

// TelegramWebhookHandler decodes updates and passes them to the bot.
type TelegramWebhookHandler struct {
	handler  UpdateHandler
	secret   string
	maxBody  int64
	async    bool
	timeout  time.Duration
	inflight sync.WaitGroup
}

// NewTelegramWebhookHandler creates a handler from the telegram, webhook and
// bot sections of the configuration.
func NewTelegramWebhookHandler(cfg *config.Config, handler UpdateHandler) *TelegramWebhookHandler {
	timeout := cfg.Bot.CommandTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &TelegramWebhookHandler{
		handler: handler,
		secret:  cfg.Telegram.WebhookSecret,
		maxBody: cfg.Webhook.MaxBodyBytes,
		async:   cfg.Webhook.AsyncDispatch,
		timeout: timeout,
	}
}

// HandleWebhook processes one update.
// POST /telegram-bot/webhook
func (h *TelegramWebhookHandler) HandleWebhook(c *gin.Context) {
	requestID := telemetry.RequestID(c.Request.Context())

	if h.secret != "" {
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			slog.Warn("webhook secret mismatch", "ip", c.ClientIP(), "request_id", requestID)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
			return
		}
	}

	body := c.Request.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxBody)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("webhook payload too large", "limit", tooLarge.Limit, "request_id", requestID)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		slog.Warn("failed to read webhook payload", "error", err, "request_id", requestID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	msg, err := telegram.DecodeUpdate(payload)
	if err != nil {
		slog.Warn("malformed update ignored", "error", err, "request_id", requestID)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if msg == nil {
		slog.Debug("update without message ignored", "request_id", requestID)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if h.async {
		h.inflight.Add(1)
		safego.GoContext(c.Request.Context(), h.timeout, "telegram-update", func(ctx context.Context) {
			defer h.inflight.Done()
			h.handler.Handle(ctx, msg)
		})
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	// The handler keeps running when Telegram drops the connection so a
	// half-delivered report is still cleaned up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.timeout)
	defer cancel()
	h.handler.Handle(ctx, msg)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Wait blocks until background handlers started in async mode have returned
// or ctx is done.
func (h *TelegramWebhookHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
