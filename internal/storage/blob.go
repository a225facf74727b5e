package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// BlobStore writes tiles to any gocloud.dev bucket. Works with local
// directories (file://), Google Cloud Storage (gs://) and S3-compatible
// stores (s3://, including MinIO and R2 through the endpoint parameter).
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobStore opens the bucket addressed by bucketURL.
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	return &BlobStore{
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// WriteTile writes tile bytes to the bucket.
func (s *BlobStore) WriteTile(ctx context.Context, ref TileRef, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	path := ref.Path(s.prefix)

	w, err := s.bucket.NewWriter(ctx, path, &blob.WriterOptions{
		ContentType: "application/vnd.mapbox-vector-tile",
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write tile to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
