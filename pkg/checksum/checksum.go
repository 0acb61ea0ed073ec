// Package checksum computes the SHA-256 digests recorded with archived
// reports. Every storage backend stores the same hex digest, so a copy can be
// verified no matter where it was archived.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// MetadataKey is the object metadata key the digest is stored under.
const MetadataKey = "sha256"

// Bytes returns the hex SHA-256 digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	h := NewHasher()
	if _, err := io.Copy(h, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return h.Sum(), nil
}

// Hasher accumulates a digest while data is streamed elsewhere, typically as
// one side of an io.MultiWriter.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write adds p to the digest. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
