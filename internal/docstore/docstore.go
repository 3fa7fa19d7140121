// Package docstore reads and writes the documents a job produces and
// consumes: manifests, label images, facts payloads and reports.
//
// Documents are addressed by key within one bucket. Two backends exist:
// Dir (a local directory, the bucket is its base name) and S3.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotExist is returned when a key has no document.
var ErrNotExist = errors.New("document does not exist")

// Store is a bucket of documents.
type Store interface {
	// Bucket names the bucket the store reads from and writes to.
	Bucket() string

	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Content types written by labeliq.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// GetJSON reads a key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v with two-space indentation and writes it to key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, append(data, '\n'), ContentTypeJSON)
}

// FactsKey is where the merged facts of a job are stored.
func FactsKey(jobID string) string {
	return "facts/" + jobID + ".json"
}

// ReportKey is where the assembled report of a job is stored.
func ReportKey(jobID string) string {
	return "reports/" + jobID + ".json"
}

// GuessMIME maps an image path to its content type by extension.
func GuessMIME(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return ContentTypeBinary
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
