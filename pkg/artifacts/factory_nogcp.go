//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSBlobStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return nil, fmt.Errorf("gcs backend is not enabled in this build (use -tags gcp)")
}
