// Package main is the entry point for the Hemis audit-log bot. It dispatches
// its subcommands (serve, set-webhook, delete-webhook, webhook-info and
// version) via a switch on os.Args so the whole CLI surface is readable in one
// place.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hemis-audit/hemis-bot/internal/api"
	"github.com/hemis-audit/hemis-bot/internal/api/webhooks"
	"github.com/hemis-audit/hemis-bot/internal/audit"
	"github.com/hemis-audit/hemis-bot/internal/bot"
	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/hemis"
	"github.com/hemis-audit/hemis-bot/internal/report"
	"github.com/hemis-audit/hemis-bot/internal/storage"
	"github.com/hemis-audit/hemis-bot/internal/telegram"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/hemis-audit/hemis-bot/internal/storage/azure"
	_ "github.com/hemis-audit/hemis-bot/internal/storage/gcs"
	_ "github.com/hemis-audit/hemis-bot/internal/storage/local"
	_ "github.com/hemis-audit/hemis-bot/internal/storage/s3"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const usage = "Available commands: serve, set-webhook [-drop-pending], delete-webhook [-drop-pending], webhook-info, version"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string, out io.Writer) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	if command == "version" {
		fmt.Fprintf(out, "hemis-bot v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "set-webhook", "delete-webhook", "webhook-info":
		client, err := telegram.NewClient(&cfg.Telegram)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return runWebhookCommand(ctx, command, args, cfg, client, out)
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

// webhookAdmin is the part of the Telegram client the admin commands use.
type webhookAdmin interface {
	SetWebhook(ctx context.Context, url, secret string, dropPending bool) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
	GetWebhookInfo(ctx context.Context) (*telegram.WebhookInfo, error)
}

func runWebhookCommand(ctx context.Context, command string, args []string, cfg *config.Config, client webhookAdmin, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(out)
	dropPending := fs.Bool("drop-pending", false, "discard updates queued while no webhook was set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch command {
	case "set-webhook":
		if cfg.Server.PublicURL == "" {
			return errors.New("server.public_url is required to register the webhook")
		}
		url := cfg.Server.WebhookURL(webhooks.Path)
		if err := client.SetWebhook(ctx, url, cfg.Telegram.WebhookSecret, *dropPending); err != nil {
			return err
		}
		fmt.Fprintf(out, "Webhook set: %s\n", url)
		if cfg.Telegram.WebhookSecret == "" {
			fmt.Fprintln(out, "Warning: telegram.webhook_secret is empty; inbound updates are not authenticated.")
		}
	case "delete-webhook":
		if err := client.DeleteWebhook(ctx, *dropPending); err != nil {
			return err
		}
		fmt.Fprintln(out, "Webhook deleted")
	case "webhook-info":
		info, err := client.GetWebhookInfo(ctx)
		if err != nil {
			return err
		}
		printWebhookInfo(out, info)
	}
	return nil
}

func printWebhookInfo(out io.Writer, info *telegram.WebhookInfo) {
	url := info.URL
	if url == "" {
		url = "(not set)"
	}
	fmt.Fprintf(out, "URL:             %s\n", url)
	fmt.Fprintf(out, "Pending updates: %d\n", info.PendingUpdateCount)
	if info.MaxConnections > 0 {
		fmt.Fprintf(out, "Max connections: %d\n", info.MaxConnections)
	}
	if len(info.AllowedUpdates) > 0 {
		fmt.Fprintf(out, "Allowed updates: %v\n", info.AllowedUpdates)
	}
	if info.LastErrorMessage != "" {
		fmt.Fprintf(out, "Last error:      %s (%s)\n", info.LastErrorMessage, info.LastErrorDate.UTC().Format(time.RFC3339))
	}
}

// components are the long-lived collaborators behind the dispatcher.
type components struct {
	dispatcher *bot.Dispatcher
	archiver   *storage.Archiver
	shipper    *audit.MultiShipper
}

func (c *components) Close() {
	if c.archiver != nil {
		if err := c.archiver.Close(); err != nil {
			slog.Warn("failed to close archive backend", "error", err)
		}
	}
	if c.shipper != nil {
		if err := c.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
}

// buildComponents wires the fetcher, builder, messenger and the optional
// archive and audit trail into a dispatcher.
func buildComponents(cfg *config.Config) (*components, error) {
	builder, err := report.NewBuilder(&cfg.Report)
	if err != nil {
		return nil, err
	}
	messenger, err := telegram.NewClient(&cfg.Telegram)
	if err != nil {
		return nil, err
	}
	if !cfg.Hemis.Configured() {
		slog.Warn("hemis base URL or bearer token is empty; /excel will report no data until configured")
	}

	c := &components{}
	var opts []bot.Option

	if cfg.Archive.Enabled {
		archiver, err := storage.NewArchiver(&cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize report archive: %w", err)
		}
		c.archiver = archiver
		opts = append(opts, bot.WithArchiver(archiver))
		slog.Info("report archive enabled", "backend", cfg.Archive.Backend, "key_prefix", cfg.Archive.KeyPrefix)
	}

	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
		}
		c.shipper = shipper
		opts = append(opts, bot.WithAuditor(audit.NewRecorder(shipper)))
		slog.Info("command audit trail enabled", "shippers", shipper.Len())
	}

	c.dispatcher = bot.NewDispatcher(hemis.NewClient(&cfg.Hemis), builder, messenger, opts...)
	return c, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	api.Version = version

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	// Metrics live on a dedicated port so the scrape path stays off the public
	// ingress and outside the webhook rate limit.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, comps.dispatcher)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"webhook_path", webhooks.Path,
			"async_dispatch", cfg.Webhook.AsyncDispatch,
			"tls", cfg.Security.TLS.Enabled,
		)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Allow an in-flight /excel run to finish before the process exits.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Bot.CommandTimeout+10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	bgServices.Shutdown(ctx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}
