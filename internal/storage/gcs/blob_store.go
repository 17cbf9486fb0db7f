// Package gcs archives raw records in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the destination bucket.
type Config struct {
	Bucket string
	// Metadata is attached to every archived object.
	Metadata map[string]string
}

// BlobStore writes archived records to a GCS bucket.
type BlobStore struct {
	bucket   *storage.BucketHandle
	name     string
	metadata map[string]string
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		return nil, errors.New("archive.bucket is required")
	}
	return &BlobStore{bucket: client.Bucket(name), name: name, metadata: cfg.Metadata}, nil
}

// PutObject uploads data as path and returns a gs:// URI. Record documents are
// small, so the upload is sent in a single request. An existing object at path
// is replaced.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	if contentType == "" {
		contentType = "application/json"
	}
	w := s.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = 0
	if len(s.metadata) > 0 {
		w.Metadata = s.metadata
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return s.URI(path), nil
}

// URI returns the gs:// address of path.
func (s *BlobStore) URI(path string) string {
	return "gs://" + s.name + "/" + strings.TrimPrefix(path, "/")
}

// Ping checks that the bucket exists and is readable.
func (s *BlobStore) Ping(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s: %w", s.name, err)
	}
	return nil
}
