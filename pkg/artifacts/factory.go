package artifacts

import (
	"context"
	"fmt"
	"os"

	"github.com/omniplexity/substrate/pkg/config"
)

// NewBlobStore selects the backend from configuration: "local" (default),
// "s3", or "gcs" (requires the gcp build tag). S3 region/endpoint/prefix come
// from the usual AWS environment.
func NewBlobStore(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return NewFileStore(cfg.ArtifactDir)
	case "s3":
		if cfg.ArtifactBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ArtifactBucket,
			Region:   region,
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		})
	case "gcs":
		if cfg.ArtifactBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_BUCKET is required for the gcs backend")
		}
		return newGCSBlobStore(ctx, cfg.ArtifactBucket, os.Getenv("ARTIFACT_GCS_PREFIX"))
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.ArtifactBackend)
	}
}
