//go:build gcp

package artifacts

import "context"

func newGCSBlobStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
}
