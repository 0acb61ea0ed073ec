package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
	"github.com/hemis-audit/hemis-bot/pkg/checksum"
)

// maxKeyAttempts bounds the suffixed keys tried when a report name is taken.
const maxKeyAttempts = 100

var (
	// ErrKeysExhausted is returned when every suffixed key is already taken.
	ErrKeysExhausted = errors.New("no free archive key")

	// ErrChecksumMismatch is returned when the stored digest differs from the
	// local file's.
	ErrChecksumMismatch = errors.New("archived object checksum mismatch")
)

// Archiver copies delivered reports into a storage backend under
// <prefix>/<chat_id>/<file name>.
type Archiver struct {
	store   Storage
	backend string
	prefix  string
}

// NewArchiver resolves the configured backend and wraps it in an Archiver.
func NewArchiver(cfg *config.ArchiveConfig) (*Archiver, error) {
	store, err := NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	return NewArchiverFor(store, cfg.Backend, cfg.KeyPrefix), nil
}

// NewArchiverFor wraps an already constructed backend.
func NewArchiverFor(store Storage, backend, prefix string) *Archiver {
	return &Archiver{
		store:   store,
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
	}
}

// Key returns the object key a report file is archived under.
func (a *Archiver) Key(chatID int64, fileName string) string {
	return path.Join(a.prefix, strconv.FormatInt(chatID, 10), filepath.Base(fileName))
}

// Archive uploads the report at filePath for chatID. Reports with the same
// name never overwrite each other: a taken key gets a numeric suffix. An
// upload whose stored checksum differs from the local file is deleted again.
func (a *Archiver) Archive(ctx context.Context, chatID int64, filePath string) error {
	key := a.Key(chatID, filePath)
	res, err := a.archive(ctx, key, filePath)
	telemetry.ReportArchiveTotal.WithLabelValues(a.backend, telemetry.ResultLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}

	slog.Info("report archived",
		"backend", a.backend,
		"key", res.Key,
		"size", res.Size,
		"sha256", res.Checksum,
	)
	return nil
}

func (a *Archiver) archive(ctx context.Context, key, filePath string) (*UploadResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	digest, err := checksum.CalculateSHA256(f)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	key, err = a.freeKey(ctx, key)
	if err != nil {
		return nil, err
	}

	res, err := a.store.Upload(ctx, key, f, info.Size())
	if err != nil {
		return nil, err
	}
	if res.Checksum != digest {
		if derr := a.store.Delete(ctx, key); derr != nil {
			slog.Warn("failed to delete corrupt archive copy", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("%w: stored %s, local %s", ErrChecksumMismatch, res.Checksum, digest)
	}
	return res, nil
}

// freeKey returns key, or key with a -N suffix before its extension when an
// earlier report already holds it.
func (a *Archiver) freeKey(ctx context.Context, key string) (string, error) {
	ext := path.Ext(key)
	stem := strings.TrimSuffix(key, ext)

	candidate := key
	for n := 1; n <= maxKeyAttempts; n++ {
		taken, err := a.store.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", candidate, err)
		}
		if !taken {
			if candidate != key {
				slog.Warn("archive key taken, using suffixed key", "key", key, "archived_as", candidate)
			}
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrKeysExhausted, maxKeyAttempts)
}

// Close releases the backend when it holds a client connection.
func (a *Archiver) Close() error {
	if c, ok := a.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
