package cache

import (
	"context"
	"errors"
	"io"

	"covpipe/internal/objstore"
)

// BucketStore keeps cache entries in an S3-compatible bucket.
type BucketStore struct {
	b *objstore.Bucket
}

func NewBucketStore(b *objstore.Bucket) *BucketStore {
	return &BucketStore{b: b}
}

func (s *BucketStore) objectKey(key string) string {
	return key + ".tar.zst"
}

func (s *BucketStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	rc, _, err := s.b.Get(ctx, s.objectKey(key))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rc, err
}

func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	return s.b.Exists(ctx, s.objectKey(key))
}

func (s *BucketStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.b.Put(ctx, s.objectKey(key), r, size, "application/zstd")
}
