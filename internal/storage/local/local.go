// Package local implements the filesystem archive backend. Reports are written
// under a base directory using the object key as a relative path.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/storage"
	"github.com/hemis-audit/hemis-bot/pkg/checksum"
)

func init() {
	storage.Register("local", func(cfg *config.ArchiveConfig) (storage.Storage, error) {
		return New(&cfg.Local)
	})
}

// ErrInvalidKey is returned for keys that would resolve outside the base path.
var ErrInvalidKey = errors.New("invalid object key")

// LocalStorage stores archived reports on the local filesystem
type LocalStorage struct {
	basePath string
}

// New creates the base directory and returns the backend
func New(cfg *config.LocalStorageConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local archive base_path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStorage{basePath: cfg.BasePath}, nil
}

func (s *LocalStorage) resolve(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.basePath, rel), nil
}

// Upload writes the object through a temporary file and renames it into place
func (s *LocalStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	hasher := checksum.NewHasher()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err == nil {
		err = os.Rename(tmpName, fullPath)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &storage.UploadResult{
		Key:         key,
		Size:        written,
		Checksum:    hasher.Sum(),
		ContentType: storage.ContentTypeFor(key),
	}, nil
}

// Exists checks if an object is stored under key
func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// Delete removes the object and prunes empty parent directories up to the
// base path
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	base := filepath.Clean(s.basePath)
	for dir := filepath.Dir(fullPath); dir != base && dir != "."; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}
