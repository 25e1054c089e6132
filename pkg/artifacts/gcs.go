//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/omniplexity/substrate/pkg/canonicalize"
	"github.com/omniplexity/substrate/pkg/fault"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket under their content
// hash. Credentials come from Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore builds the client.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads data under its content hash, skipping existing objects.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	obj := s.client.Bucket(s.bucket).Object(s.key(hash))

	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs commit: %w", err)
	}
	return hash, nil
}

// Get downloads a blob by content hash.
func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := validHash(hash); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.key(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fault.New(fault.KindArtifactNotFound, "blob %s not found", hash)
		}
		return nil, fmt.Errorf("gcs open: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read: %w", err)
	}
	return data, nil
}

// Exists probes the object attributes.
func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := validHash(hash); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(s.key(hash)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs: %w", err)
}

// Delete removes the object; missing objects are not an error.
func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	if err := validHash(hash); err != nil {
		return err
	}
	err := s.client.Bucket(s.bucket).Object(s.key(hash)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete: %w", err)
	}
	return nil
}

func (s *GCSStore) key(hash string) string {
	return s.prefix + hash + ".blob"
}
