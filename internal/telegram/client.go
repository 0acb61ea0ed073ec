// Package telegram sends replies through the Telegram Bot API and decodes
// inbound webhook updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// ErrNotConfigured is returned by every call when no bot token is set.
var ErrNotConfigured = errors.New("telegram bot token is not configured")

// Client wraps a go-telegram/bot instance. A Client built without a token is
// usable but fails every call with ErrNotConfigured.
type Client struct {
	bot     *bot.Bot
	token   string
	timeout time.Duration
}

// NewClient creates the Bot API client. getMe is skipped so startup never
// depends on Telegram being reachable.
func NewClient(cfg *config.TelegramConfig, opts ...bot.Option) (*Client, error) {
	c := &Client{timeout: cfg.RequestTimeout}
	if strings.TrimSpace(cfg.BotToken) == "" {
		slog.Warn("telegram bot token is empty; replies will fail until it is configured")
		return c, nil
	}

	options := []bot.Option{bot.WithSkipGetMe()}
	if cfg.APIURL != "" {
		options = append(options, bot.WithServerURL(strings.TrimRight(cfg.APIURL, "/")))
	}
	options = append(options, opts...)

	b, err := bot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = b
	c.token = cfg.BotToken
	return c, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (err error) {
	defer func() { telemetry.TelegramDeliveriesTotal.WithLabelValues("text", telemetry.ResultLabel(err)).Inc() }()
	if c.bot == nil {
		return ErrNotConfigured
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if _, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		return c.redact(fmt.Errorf("telegram: sendMessage: %w", err))
	}
	return nil
}

// SendDocument uploads the file at path as a document.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path string) (err error) {
	defer func() { telemetry.TelegramDeliveriesTotal.WithLabelValues("document", telemetry.ResultLabel(err)).Inc() }()
	if c.bot == nil {
		return ErrNotConfigured
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open document: %w", err)
	}
	defer f.Close()

	ctx, cancel := c.callContext(ctx)
	defer cancel()
	_, err = c.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   chatID,
		Document: &models.InputFileUpload{Filename: filepath.Base(path), Data: f},
	})
	if err != nil {
		return c.redact(fmt.Errorf("telegram: sendDocument: %w", err))
	}
	return nil
}

// SetWebhook registers url as the update endpoint. A non-empty secret is sent
// back by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string, dropPending bool) error {
	if c.bot == nil {
		return ErrNotConfigured
	}
	ok, err := c.bot.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:                url,
		SecretToken:        secret,
		DropPendingUpdates: dropPending,
		AllowedUpdates:     []string{"message"},
	})
	if err != nil {
		return c.redact(fmt.Errorf("telegram: setWebhook: %w", err))
	}
	if !ok {
		return errors.New("telegram: setWebhook returned false")
	}
	return nil
}

// DeleteWebhook removes the registered webhook.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	if c.bot == nil {
		return ErrNotConfigured
	}
	ok, err := c.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{DropPendingUpdates: dropPending})
	if err != nil {
		return c.redact(fmt.Errorf("telegram: deleteWebhook: %w", err))
	}
	if !ok {
		return errors.New("telegram: deleteWebhook returned false")
	}
	return nil
}

// WebhookInfo is the subset of getWebhookInfo the admin commands print.
type WebhookInfo struct {
	URL                string
	PendingUpdateCount int
	MaxConnections     int
	LastErrorMessage   string
	LastErrorDate      time.Time
	AllowedUpdates     []string
}

// GetWebhookInfo returns the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	if c.bot == nil {
		return nil, ErrNotConfigured
	}
	info, err := c.bot.GetWebhookInfo(ctx)
	if err != nil {
		return nil, c.redact(fmt.Errorf("telegram: getWebhookInfo: %w", err))
	}

	out := &WebhookInfo{
		URL:                info.URL,
		PendingUpdateCount: int(info.PendingUpdateCount),
		MaxConnections:     int(info.MaxConnections),
		LastErrorMessage:   info.LastErrorMessage,
		AllowedUpdates:     info.AllowedUpdates,
	}
	if info.LastErrorDate > 0 {
		out.LastErrorDate = time.Unix(int64(info.LastErrorDate), 0)
	}
	return out, nil
}

// redactedError hides the bot token, which transport errors carry inside the
// request URL, while keeping the cause for errors.Is.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func (c *Client) redact(err error) error {
	if err == nil || c.token == "" || !strings.Contains(err.Error(), c.token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), c.token, "<redacted>"), err: err}
}
