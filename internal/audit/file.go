package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hemis-audit/hemis-bot/internal/config"
)

// FileShipper appends entries as JSON lines and rotates by size.
type FileShipper struct {
	cfg  config.AuditFileConfig
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the audit file.
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := openAppend(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &FileShipper{cfg: *cfg, file: f}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return f, nil
}

// Ship writes one JSON line.
func (fs *FileShipper) Ship(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size()+int64(len(data)+1) > int64(fs.cfg.MaxSizeMB)<<20 {
			if err := fs.rotate(); err != nil {
				slog.Warn("audit log rotation failed", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and drops
// anything beyond MaxBackups. With MaxBackups 0 the live file is truncated.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	path := fs.cfg.Path
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", path, fs.cfg.MaxBackups))
		for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
		}
		_ = os.Rename(path, path+".1")
	} else {
		_ = os.Remove(path)
	}

	f, err := openAppend(path)
	if err != nil {
		return err
	}
	fs.file = f
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
