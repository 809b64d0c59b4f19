// Package gcs archives fetched pages in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config holds the bucket the archive writes into.
type Config struct {
	Bucket string
}

// BlobStore implements pipeline.BlobStore on top of GCS. Object names follow
// the <stage>/<item>/<hash>.html layout chosen by the caller; the returned
// reference is the gs:// URI stored on the checkpoint row.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// PutObject uploads one page archive and returns its gs:// URI. Page archives
// are small, so the write goes out as a single request instead of chunked
// resumable uploads.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("object path is required")
	}
	w := s.bucket.Object(path).NewWriter(ctx)
	w.ChunkSize = 0
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, path), nil
}
