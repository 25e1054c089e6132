// Package artifacts stores content-addressed artifact bodies and manages
// staged multipart uploads. The artifact id is the SHA-256 hex digest of the
// content; storing the same bytes twice yields the same id.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/omniplexity/substrate/pkg/canonicalize"
	"github.com/omniplexity/substrate/pkg/fault"
)

// BlobStore is the backend contract for artifact bodies, keyed by content
// hash (lowercase hex).
type BlobStore interface {
	Put(ctx context.Context, data []byte) (hash string, err error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// FileStore keeps blobs on the local filesystem, sharded by the first two
// hex characters, written atomically via tmp+rename.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the blob directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put writes data under its content hash. Existing blobs are left untouched.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("shard dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return hash, nil
}

// Get reads a blob by content hash.
func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	if err := validHash(hash); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.KindArtifactNotFound, "blob %s not found", hash)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	if err := validHash(hash); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.blobPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

// Delete removes a blob; missing blobs are not an error.
func (s *FileStore) Delete(_ context.Context, hash string) error {
	if err := validHash(hash); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) blobPath(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], hash+".blob")
}

func validHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("invalid content hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("invalid content hash %q: %w", hash, err)
	}
	return nil
}
