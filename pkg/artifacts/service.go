package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/omniplexity/substrate/pkg/canonicalize"
	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

// Service is the artifact surface: direct creation, staged multipart
// uploads, and retrieval. Metadata lives in the Store; bodies in the
// BlobStore.
type Service struct {
	store      *store.Store
	blobs      BlobStore
	clock      ids.Clock
	backend    string
	maxBytes   int64
	partSize   int64
	stagingDir string
	logger     *slog.Logger
}

// ServiceOptions configures the artifact service.
type ServiceOptions struct {
	Backend    string // storage_ref prefix: "local", "s3", "gcs"
	MaxBytes   int64
	PartSize   int64
	StagingDir string
	Logger     *slog.Logger
}

// NewService constructs the service and ensures the upload staging
// directory exists.
func NewService(st *store.Store, blobs BlobStore, clock ids.Clock, opts ServiceOptions) (*Service, error) {
	if opts.Backend == "" {
		opts.Backend = "local"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	return &Service{
		store:      st,
		blobs:      blobs,
		clock:      clock,
		backend:    opts.Backend,
		maxBytes:   opts.MaxBytes,
		partSize:   opts.PartSize,
		stagingDir: opts.StagingDir,
		logger:     opts.Logger.With("component", "artifacts"),
	}, nil
}

// Create stores content as a new artifact. Identical content yields the
// existing artifact id.
func (s *Service) Create(ctx context.Context, content []byte, kind, mediaType, title, createdBy string) (*model.Artifact, error) {
	if s.maxBytes > 0 && int64(len(content)) > s.maxBytes {
		return nil, fault.New(fault.KindArtifactTooLarge, "%d bytes exceeds the %d byte ceiling", len(content), s.maxBytes)
	}
	hash, err := s.blobs.Put(ctx, content)
	if err != nil {
		return nil, err
	}
	a := &model.Artifact{
		ArtifactID:  hash,
		Kind:        kind,
		MediaType:   mediaType,
		Size:        int64(len(content)),
		ContentHash: hash,
		StorageRef:  s.backend + ":" + hash,
		Title:       title,
		CreatedBy:   createdBy,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.PutArtifact(ctx, a); err != nil {
		return nil, err
	}
	// First write wins on metadata; return the canonical row.
	return s.store.GetArtifact(ctx, hash)
}

// Get returns the metadata and body of an artifact.
func (s *Service) Get(ctx context.Context, artifactID string) (*model.Artifact, []byte, error) {
	a, err := s.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.blobs.Get(ctx, a.ContentHash)
	if err != nil {
		return nil, nil, err
	}
	return a, body, nil
}

// ListForRun returns the artifacts linked to a run.
func (s *Service) ListForRun(ctx context.Context, runID string) ([]model.Artifact, error) {
	return s.store.ListRunArtifacts(ctx, runID)
}

// InitUpload opens a staged multipart upload session. A declared size beyond
// the artifact ceiling is rejected up front.
func (s *Service) InitUpload(ctx context.Context, userID, kind, mediaType, title string, declaredBytes int64) (*model.Upload, error) {
	if s.maxBytes > 0 && declaredBytes > s.maxBytes {
		return nil, fault.New(fault.KindArtifactTooLarge, "declared %d bytes exceeds the %d byte ceiling", declaredBytes, s.maxBytes)
	}
	u := &model.Upload{
		UploadID:      ids.New(),
		UserID:        userID,
		Kind:          kind,
		MediaType:     mediaType,
		Title:         title,
		DeclaredBytes: declaredBytes,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.CreateUpload(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// PutPart appends one part to the staged upload.
func (s *Service) PutPart(ctx context.Context, uploadID string, part []byte) (*model.Upload, error) {
	if s.partSize > 0 && int64(len(part)) > s.partSize {
		return nil, fault.New(fault.KindPartTooLarge, "%d bytes exceeds the %d byte part limit", len(part), s.partSize)
	}
	u, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if s.maxBytes > 0 && u.ReceivedBytes+int64(len(part)) > s.maxBytes {
		return nil, fault.New(fault.KindArtifactTooLarge, "upload %s would exceed the %d byte ceiling", uploadID, s.maxBytes)
	}

	f, err := os.OpenFile(s.stagingPath(uploadID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("staging open: %w", err)
	}
	if _, err := f.Write(part); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("staging write: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("staging close: %w", err)
	}

	if err := s.store.AddUploadPart(ctx, uploadID, int64(len(part))); err != nil {
		return nil, err
	}
	return s.store.GetUpload(ctx, uploadID)
}

// FinalizeUpload verifies the declared hash, promotes the staged bytes to a
// content-addressed artifact, and discards the session. A hash mismatch
// discards the staged bytes.
func (s *Service) FinalizeUpload(ctx context.Context, uploadID, expectedHash string) (*model.Artifact, error) {
	u, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.stagingPath(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			content = nil
		} else {
			return nil, fmt.Errorf("staging read: %w", err)
		}
	}

	if expectedHash != "" && canonicalize.HashBytes(content) != expectedHash {
		s.discard(ctx, uploadID)
		return nil, fault.New(fault.KindHashMismatch, "upload %s content does not match the declared hash", uploadID)
	}

	a, err := s.Create(ctx, content, u.Kind, u.MediaType, u.Title, u.UserID)
	if err != nil {
		return nil, err
	}
	s.discard(ctx, uploadID)
	return a, nil
}

// AbortUpload discards a staged session.
func (s *Service) AbortUpload(ctx context.Context, uploadID string) error {
	if _, err := s.store.GetUpload(ctx, uploadID); err != nil {
		return err
	}
	s.discard(ctx, uploadID)
	return nil
}

func (s *Service) discard(ctx context.Context, uploadID string) {
	if err := os.Remove(s.stagingPath(uploadID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("staging cleanup failed", "upload_id", uploadID, "error", err)
	}
	if err := s.store.DeleteUpload(ctx, uploadID); err != nil {
		s.logger.Warn("upload row cleanup failed", "upload_id", uploadID, "error", err)
	}
}

func (s *Service) stagingPath(uploadID string) string {
	return filepath.Join(s.stagingDir, uploadID+".part")
}
