// Package audit records one structured entry per handled chat command and
// ships it to file and webhook destinations. Audit entries are kept apart
// from application logs so they can be retained and forwarded on their own.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemis-audit/hemis-bot/internal/config"
)

// Entry describes one handled command.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Command    string    `json:"command"`
	ChatID     int64     `json:"chat_id"`
	UserName   string    `json:"user_name,omitempty"`
	Outcome    string    `json:"outcome"`
	Records    int       `json:"records,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Shipper delivers entries to one destination.
type Shipper interface {
	Ship(ctx context.Context, entry *Entry) error
	Close() error
}

// MultiShipper fans entries out to every configured shipper.
type MultiShipper struct {
	mu       sync.RWMutex
	shippers []Shipper
}

// NewMultiShipper builds the enabled shippers from configuration.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for i, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var (
			s   Shipper
			err error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("audit shipper %d: webhook settings are required", i)
			}
			s = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("audit shipper %d: file settings are required", i)
			}
			s, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("audit shipper %d: unknown type %q", i, cfg.Type)
		}
		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("audit shipper %d (%s): %w", i, cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, s)
	}
	return ms, nil
}

// Len returns the number of active shippers.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends the entry to every shipper. A failing shipper does not stop the
// others; all failures are joined into the returned error.
func (ms *MultiShipper) Ship(ctx context.Context, entry *Entry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every shipper.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder stamps entries and ships them. Shipping failures are logged, never
// returned, so auditing cannot change how a command is answered.
type Recorder struct {
	shipper Shipper
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder wraps shipper. A nil shipper yields a Recorder that drops
// everything.
func NewRecorder(shipper Shipper) *Recorder {
	return &Recorder{shipper: shipper, timeout: 10 * time.Second, now: time.Now}
}

// Record fills in the entry ID and timestamp and ships it.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.shipper == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.shipper.Ship(ctx, &entry); err != nil {
		slog.Warn("audit entry not shipped", "audit_id", entry.ID, "command", entry.Command, "error", err)
	}
}
