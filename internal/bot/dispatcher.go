package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hemis-audit/hemis-bot/internal/audit"
	"github.com/hemis-audit/hemis-bot/internal/hemis"
	"github.com/hemis-audit/hemis-bot/internal/report"
	"github.com/hemis-audit/hemis-bot/internal/telegram"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// Fetcher retrieves the audit log.
type Fetcher interface {
	FetchAll(ctx context.Context) hemis.FetchResult
}

// ReportBuilder renders records into a workbook on disk.
type ReportBuilder interface {
	Build(records []hemis.LogRecord) (*report.File, error)
}

// Messenger delivers replies to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, path string) error
}

// Archiver keeps a copy of a delivered report.
type Archiver interface {
	Archive(ctx context.Context, chatID int64, path string) error
}

// Auditor records one entry per handled command.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Outcome labels for /excel, used in metrics, logs and audit entries.
const (
	OutcomeReplied     = "replied"
	OutcomeNoData      = "no_data"
	OutcomeEmpty       = "empty"
	OutcomeBuildFailed = "build_failed"
	OutcomeSendFailed  = "send_failed"
	OutcomeDelivered   = "delivered"
	OutcomePanic       = "panic"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithArchiver archives every delivered report before it is removed.
func WithArchiver(a Archiver) Option {
	return func(d *Dispatcher) { d.archiver = a }
}

// WithAuditor records an audit entry for every handled command.
func WithAuditor(a Auditor) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithClock replaces time.Now for elapsed-time reporting.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher handles one inbound message at a time and holds no per-message
// state, so a single instance serves concurrent webhook requests.
type Dispatcher struct {
	fetcher   Fetcher
	builder   ReportBuilder
	messenger Messenger
	archiver  Archiver
	auditor   Auditor
	now       func() time.Time
}

// NewDispatcher wires the pipeline stages together.
func NewDispatcher(fetcher Fetcher, builder ReportBuilder, messenger Messenger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		fetcher:   fetcher,
		builder:   builder,
		messenger: messenger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// result is what a handled command reports to metrics and the audit trail.
type result struct {
	outcome string
	records int
	err     error
}

// Handle runs the command carried by msg. A nil msg is ignored. Errors and
// panics never escape: the chat only ever sees the fixed reply templates.
func (d *Dispatcher) Handle(ctx context.Context, msg *telegram.Message) {
	if msg == nil {
		slog.Debug("update without message ignored", "request_id", telemetry.RequestID(ctx))
		return
	}

	cmd := NewCommand(msg)
	log := slog.With(
		"chat_id", cmd.ChatID,
		"command", cmd.Kind.String(),
		"request_id", telemetry.RequestID(ctx),
	)
	log.Info("command received", "user", cmd.UserName, "text", cmd.Text)

	start := d.now()
	res := result{outcome: OutcomeReplied}
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in command handler", "panic", r, "stack", string(debug.Stack()))
			res = result{outcome: OutcomePanic, err: fmt.Errorf("panic: %v", r)}
		}
		telemetry.BotCommandsTotal.WithLabelValues(cmd.Kind.String()).Inc()
		d.record(ctx, cmd, res, start)
	}()

	switch cmd.Kind {
	case KindStart:
		d.reply(ctx, log, cmd.ChatID, StartText(cmd.UserName))
	case KindHelp:
		d.reply(ctx, log, cmd.ChatID, HelpText)
	case KindFetchReport:
		res = d.fetchReport(ctx, log, cmd, start)
		telemetry.ReportOutcomesTotal.WithLabelValues(res.outcome).Inc()
	default:
		d.reply(ctx, log, cmd.ChatID, UnknownText(cmd.Text))
	}
}

// fetchReport runs /excel: fetch, build, deliver, report, archive. The
// workbook is removed on every path once it exists.
func (d *Dispatcher) fetchReport(ctx context.Context, log *slog.Logger, cmd Command, start time.Time) result {
	d.reply(ctx, log, cmd.ChatID, LoadingText)

	fetched := d.fetcher.FetchAll(ctx)
	log = log.With("pages", fetched.Pages, "records", len(fetched.Records))

	switch fetched.Outcome {
	case hemis.OutcomeNoData:
		log.Warn("no data from audit log API", "stage", "fetch", "error", fetched.Err)
		d.reply(ctx, log, cmd.ChatID, NoDataText)
		return result{outcome: OutcomeNoData, err: fetched.Err}
	case hemis.OutcomeEmpty:
		log.Info("audit log API returned no records", "stage", "fetch")
		d.reply(ctx, log, cmd.ChatID, EmptyText)
		return result{outcome: OutcomeEmpty}
	}
	if fetched.Err != nil {
		log.Warn("pagination stopped early; reporting partial data", "stage", "fetch", "error", fetched.Err)
	}

	records := len(fetched.Records)
	file, err := d.builder.Build(fetched.Records)
	if err != nil {
		log.Error("report build failed", "stage", "build", "error", err)
		d.reply(ctx, log, cmd.ChatID, BuildFailedText)
		return result{outcome: OutcomeBuildFailed, records: records, err: err}
	}
	defer d.remove(log, file)

	if err := d.messenger.SendDocument(ctx, cmd.ChatID, file.Path); err != nil {
		log.Error("report delivery failed", "stage", "deliver", "file", file.Name(), "error", err)
		d.reply(ctx, log, cmd.ChatID, SendFailedText(err.Error()))
		return result{outcome: OutcomeSendFailed, records: records, err: err}
	}

	elapsed := d.now().Sub(start)
	d.reply(ctx, log, cmd.ChatID, SuccessText(records, elapsed))
	log.Info("report delivered", "stage", "deliver", "file", file.Name(), "elapsed", elapsed)

	if d.archiver != nil {
		if err := d.archiver.Archive(ctx, cmd.ChatID, file.Path); err != nil {
			log.Warn("report archive failed", "stage", "archive", "error", err)
		}
	}
	return result{outcome: OutcomeDelivered, records: records}
}

func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, chatID int64, text string) {
	if err := d.messenger.SendText(ctx, chatID, text); err != nil {
		log.Error("reply not delivered", "error", err)
	}
}

func (d *Dispatcher) remove(log *slog.Logger, file *report.File) {
	if err := file.Remove(); err != nil {
		log.Error("failed to remove report file", "stage", "cleanup", "file", file.Path, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, cmd Command, res result, start time.Time) {
	if d.auditor == nil {
		return
	}
	entry := audit.Entry{
		RequestID:  telemetry.RequestID(ctx),
		Command:    cmd.Kind.String(),
		ChatID:     cmd.ChatID,
		UserName:   cmd.UserName,
		Outcome:    res.outcome,
		Records:    res.records,
		DurationMS: d.now().Sub(start).Milliseconds(),
	}
	if res.err != nil {
		entry.Error = res.err.Error()
	}
	d.auditor.Record(ctx, entry)
}
