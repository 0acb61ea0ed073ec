// Package telemetry provides logging setup and Prometheus metrics for the bot.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<HEMISBOT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router, so the
// public webhook listener never exposes it.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Bot command counters and report outcome counters
//   - Hemis page fetch counters, record counts and fetch latency
//   - Report build latency
//   - Telegram delivery and report archive counters
//
// # Label Cardinality
//
// No metric is labelled with a chat ID or free-form text. Unknown commands are
// counted under the "unknown" command label instead of the text the user sent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}. The
// path label holds the Gin route template such as /telegram-bot/webhook.
//
// Example PromQL queries:
//   - Webhook rate (req/s):  rate(http_requests_total{path="/telegram-bot/webhook"}[5m])
//   - Rejected webhooks:     sum(rate(http_requests_total{status="401"}[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path}. With
// synchronous dispatch a webhook request spans the full /excel round trip, so
// the buckets reach five minutes.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "path"},
	)
)

// Bot command metrics.
//
// BotCommandsTotal is a CounterVec with label {command}: start, help, excel or
// unknown.
//
// ReportOutcomesTotal is a CounterVec with label {outcome} recording how each
// /excel run ended: success, no_data, empty, build_failed or send_failed.
//
// Example PromQL queries:
//   - Failed reports (1h):  sum(increase(report_outcomes_total{outcome!="success"}[1h]))
var (
	BotCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Total number of chat commands handled, by command kind.",
		},
		[]string{"command"},
	)

	ReportOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_outcomes_total",
			Help: "Total number of report requests, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Hemis fetch metrics, recorded by the paginated fetcher.
//
// HemisPagesFetchedTotal is a CounterVec with label {status}: ok, http_error,
// missing_items, malformed or transport_error. A rise in transport_error usually means the
// Hemis host is unreachable; see also the circuit breaker logs.
//
// HemisRecordsFetched is a Histogram of records accumulated per fetch.
//
// HemisFetchDuration is a Histogram of whole-fetch latency including retries.
var (
	HemisPagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hemis_pages_fetched_total",
			Help: "Total number of Hemis API page requests, by result status.",
		},
		[]string{"status"},
	)

	HemisRecordsFetched = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hemis_records_fetched",
			Help:    "Number of log records accumulated by a single fetch.",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	HemisFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hemis_fetch_duration_seconds",
			Help:    "Duration of a complete paginated Hemis fetch.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

// ReportBuildDuration is a Histogram of spreadsheet build latency.
var ReportBuildDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "report_build_duration_seconds",
		Help:    "Duration of a single spreadsheet report build.",
		Buckets: prometheus.DefBuckets,
	},
)

// Delivery metrics.
//
// TelegramDeliveriesTotal is a CounterVec with labels {kind, result}, where
// kind is text or document and result is ok or error.
//
// ReportArchiveTotal is a CounterVec with labels {backend, result} for the
// optional copy of each delivered report kept in object storage.
var (
	TelegramDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_deliveries_total",
			Help: "Total number of Telegram send attempts, by payload kind and result.",
		},
		[]string{"kind", "result"},
	)

	ReportArchiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_archive_total",
			Help: "Total number of report archive uploads, by storage backend and result.",
		},
		[]string{"backend", "result"},
	)
)

// ResultLabel maps an error onto the ok/error label pair used by the delivery
// counters.
func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
