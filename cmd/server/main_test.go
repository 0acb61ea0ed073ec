package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/telegram"
)

type fakeAdmin struct {
	setURL      string
	setSecret   string
	dropPending bool
	deleted     bool
	info        *telegram.WebhookInfo
	err         error
}

func (f *fakeAdmin) SetWebhook(_ context.Context, url, secret string, dropPending bool) error {
	f.setURL, f.setSecret, f.dropPending = url, secret, dropPending
	return f.err
}

func (f *fakeAdmin) DeleteWebhook(_ context.Context, dropPending bool) error {
	f.deleted, f.dropPending = true, dropPending
	return f.err
}

func (f *fakeAdmin) GetWebhookInfo(_ context.Context) (*telegram.WebhookInfo, error) {
	return f.info, f.err
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out))
	assert.Equal(t, "hemis-bot v"+version+"\n", out.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DOTENV_PATH", t.TempDir()+"/missing.env")

	err := run([]string{"migrate"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: migrate")
}

func TestSetWebhook(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.PublicURL = "https://bot.example.uz/"
	cfg.Telegram.WebhookSecret = "s3cret"
	admin := &fakeAdmin{}
	var out bytes.Buffer

	err := runWebhookCommand(context.Background(), "set-webhook", []string{"-drop-pending"}, cfg, admin, &out)

	require.NoError(t, err)
	assert.Equal(t, "https://bot.example.uz/telegram-bot/webhook", admin.setURL)
	assert.Equal(t, "s3cret", admin.setSecret)
	assert.True(t, admin.dropPending)
	assert.Contains(t, out.String(), "Webhook set: https://bot.example.uz/telegram-bot/webhook")
	assert.NotContains(t, out.String(), "Warning")
}

func TestSetWebhook_WarnsWithoutSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.PublicURL = "https://bot.example.uz"
	var out bytes.Buffer

	require.NoError(t, runWebhookCommand(context.Background(), "set-webhook", nil, cfg, &fakeAdmin{}, &out))
	assert.Contains(t, out.String(), "webhook_secret is empty")
}

func TestSetWebhook_RequiresPublicURL(t *testing.T) {
	admin := &fakeAdmin{}
	err := runWebhookCommand(context.Background(), "set-webhook", nil, &config.Config{}, admin, &bytes.Buffer{})

	require.Error(t, err)
	assert.Empty(t, admin.setURL)
}

func TestDeleteWebhook(t *testing.T) {
	admin := &fakeAdmin{}
	var out bytes.Buffer

	require.NoError(t, runWebhookCommand(context.Background(), "delete-webhook", nil, &config.Config{}, admin, &out))
	assert.True(t, admin.deleted)
	assert.False(t, admin.dropPending)
	assert.Equal(t, "Webhook deleted\n", out.String())
}

func TestWebhookCommand_PropagatesError(t *testing.T) {
	admin := &fakeAdmin{err: telegram.ErrNotConfigured}
	err := runWebhookCommand(context.Background(), "delete-webhook", nil, &config.Config{}, admin, &bytes.Buffer{})
	assert.True(t, errors.Is(err, telegram.ErrNotConfigured))
}

func TestWebhookInfo(t *testing.T) {
	admin := &fakeAdmin{info: &telegram.WebhookInfo{
		URL:                "https://bot.example.uz/telegram-bot/webhook",
		PendingUpdateCount: 3,
		LastErrorMessage:   "Connection refused",
		LastErrorDate:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		AllowedUpdates:     []string{"message"},
	}}
	var out bytes.Buffer

	require.NoError(t, runWebhookCommand(context.Background(), "webhook-info", nil, &config.Config{}, admin, &out))

	got := out.String()
	assert.Contains(t, got, "URL:             https://bot.example.uz/telegram-bot/webhook")
	assert.Contains(t, got, "Pending updates: 3")
	assert.Contains(t, got, "Allowed updates: [message]")
	assert.Contains(t, got, "Last error:      Connection refused (2024-05-01T12:00:00Z)")
	assert.False(t, strings.Contains(got, "Max connections"))
}

func TestWebhookInfo_NotSet(t *testing.T) {
	var out bytes.Buffer
	admin := &fakeAdmin{info: &telegram.WebhookInfo{}}

	require.NoError(t, runWebhookCommand(context.Background(), "webhook-info", nil, &config.Config{}, admin, &out))
	assert.Contains(t, out.String(), "(not set)")
}

func TestBuildComponents_ArchiveAndAudit(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Report = config.ReportConfig{OutputDir: dir + "/runtime", Timezone: "Asia/Tashkent"}
	cfg.Archive = config.ArchiveConfig{
		Enabled: true,
		Backend: "local",
		Local:   config.LocalStorageConfig{BasePath: dir + "/archive"},
	}
	cfg.Audit = config.AuditConfig{
		Enabled: true,
		Shippers: []config.AuditShipperConfig{
			{Enabled: true, Type: "file", File: &config.AuditFileConfig{Path: dir + "/audit.log"}},
		},
	}

	comps, err := buildComponents(cfg)
	require.NoError(t, err)
	defer comps.Close()

	assert.NotNil(t, comps.dispatcher)
	assert.NotNil(t, comps.archiver)
	require.NotNil(t, comps.shipper)
	assert.Equal(t, 1, comps.shipper.Len())
}

func TestBuildComponents_UnknownArchiveBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Report = config.ReportConfig{OutputDir: t.TempDir(), Timezone: "UTC"}
	cfg.Archive = config.ArchiveConfig{Enabled: true, Backend: "ftp"}

	_, err := buildComponents(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report archive")
}
