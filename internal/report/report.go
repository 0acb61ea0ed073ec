// Package report renders Hemis audit-log records into an xlsx workbook.
package report

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/hemis"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// TimeLayout formats the Vaqt column.
const TimeLayout = "2006-01-02 15:04:05"

// Columns is the fixed header row, in output order.
var Columns = []string{"ID", "Admin", "Vaqt", "Xabar", "Action", "Query", "POST", "GET", "IP"}

var (
	// ErrNoRecords is returned by Build for an empty record slice.
	ErrNoRecords = errors.New("report: no records to write")

	// ErrBuild wraps every failure that prevented the workbook from being
	// written. No file is left on disk when it is returned.
	ErrBuild = errors.New("report: build failed")
)

// File is a workbook written to disk. The caller owns it and must Remove it.
type File struct {
	Path      string
	Rows      int // data rows, header excluded
	CreatedAt time.Time
}

// Name returns the base file name.
func (f *File) Name() string {
	return filepath.Base(f.Path)
}

// Remove deletes the workbook. A file that is already gone is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("report: remove %s: %w", f.Path, err)
	}
	return nil
}

// Builder writes workbooks into one output directory.
type Builder struct {
	outputDir string
	loc       *time.Location
	now       func() time.Time
}

// NewBuilder resolves the configured time zone and returns a Builder.
func NewBuilder(cfg *config.ReportConfig) (*Builder, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("report: load timezone %q: %w", cfg.Timezone, err)
	}
	return &Builder{outputDir: cfg.OutputDir, loc: loc, now: time.Now}, nil
}

// FileName returns the workbook name for the given creation time. Two reports
// created within the same second share a name.
func (b *Builder) FileName(t time.Time) string {
	return "hemis_log_" + t.In(b.loc).Format("20060102150405") + ".xlsx"
}

// Build writes records to a new workbook and returns it. Every row is rendered
// before anything touches the disk, so a serialisation failure aborts the
// whole report.
func (b *Builder) Build(records []hemis.LogRecord) (*File, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	start := time.Now()
	defer func() { telemetry.ReportBuildDuration.Observe(time.Since(start).Seconds()) }()

	rows := make([][]any, 0, len(records))
	for i := range records {
		row, err := b.row(&records[i])
		if err != nil {
			return nil, fmt.Errorf("%w: record %d (id %d): %v", ErrBuild, i, records[i].ID, err)
		}
		rows = append(rows, row)
	}

	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %v", ErrBuild, err)
	}

	created := b.now()
	path := filepath.Join(b.outputDir, b.FileName(created))
	if err := b.write(path, rows); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove partial report", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	slog.Debug("report written", "path", path, "rows", len(rows))
	return &File{Path: path, Rows: len(rows), CreatedAt: created}, nil
}

func (b *Builder) row(r *hemis.LogRecord) ([]any, error) {
	post, err := r.Post.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode post: %w", err)
	}
	get, err := r.Get.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode get: %w", err)
	}
	return []any{
		r.ID,
		r.AdminName,
		time.Unix(r.CreatedAt, 0).In(b.loc).Format(TimeLayout),
		r.Message,
		r.Action,
		r.Query,
		string(post),
		string(get),
		r.IP,
	}, nil
}

func (b *Builder) write(path string, rows [][]any) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := make([]any, len(Columns))
	widths := make([]int, len(Columns))
	for i, c := range Columns {
		header[i] = c
		widths[i] = utf8.RuneCountInString(c)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
		for j, v := range row {
			if n := utf8.RuneCountInString(fmt.Sprint(v)); n > widths[j] {
				widths[j] = n
			}
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(Columns))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, columnWidth(w)); err != nil {
			return fmt.Errorf("size column %s: %w", col, err)
		}
	}

	return f.SaveAs(path)
}

// columnWidth converts a character count into an Excel column width with a
// little padding, capped at the format's maximum.
func columnWidth(chars int) float64 {
	w := float64(chars) + 2
	if w > excelize.MaxColumnWidth {
		w = excelize.MaxColumnWidth
	}
	return w
}
