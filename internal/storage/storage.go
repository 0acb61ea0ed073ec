// Package storage defines the backend interface used to archive delivered
// reports.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.ArchiveConfig) (storage.Storage, error) {
//	        return New(&cfg.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend so that NewStorage can resolve the
// configured archive.backend name.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// XLSXContentType is the media type recorded for archived workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Storage is the archive backend interface
type Storage interface {
	// Upload stores the object under key and returns its size and checksum
	Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error)

	// Exists reports whether an object is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object; a missing object is not an error
	Delete(ctx context.Context, key string) error
}

// UploadResult describes a stored object
type UploadResult struct {
	Key         string
	Size        int64
	Checksum    string // hex SHA256
	ContentType string
}

// ContentTypeFor returns the media type recorded for an object key.
func ContentTypeFor(key string) string {
	if strings.EqualFold(path.Ext(key), ".xlsx") {
		return XLSXContentType
	}
	return "application/octet-stream"
}
