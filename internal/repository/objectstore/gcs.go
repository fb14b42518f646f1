package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSRepository keeps objects in one Google Cloud Storage bucket.
type GCSRepository struct {
	bucket *storage.BucketHandle
	name   string
}

func NewGCSRepository(client *storage.Client, bucketName string) *GCSRepository {
	return &GCSRepository{bucket: client.Bucket(bucketName), name: bucketName}
}

func (r *GCSRepository) Bucket() string       { return r.name }
func (r *GCSRepository) Type() RepositoryType { return GCSType }

func (r *GCSRepository) Put(ctx context.Context, key string, reader io.Reader) (string, error) {
	w := r.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, reader); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload gs://%s/%s: %w", r.name, key, err)
	}
	// Nothing is committed until Close succeeds.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload gs://%s/%s: %w", r.name, key, err)
	}
	return objectURL("gs", r.name, key), nil
}

func (r *GCSRepository) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := r.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, r.wrap(key, err)
	}
	return reader, nil
}

func (r *GCSRepository) Delete(ctx context.Context, key string) error {
	err := r.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", r.name, key, err)
	}
	return nil
}

func (r *GCSRepository) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := r.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, r.wrap(key, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size}, nil
}

func (r *GCSRepository) wrap(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gs://%s/%s: %w", r.name, key, ErrObjectNotFound)
	}
	return err
}
