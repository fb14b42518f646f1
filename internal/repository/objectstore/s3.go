package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Repository keeps objects in one S3 bucket.
type S3Repository struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
}

func NewS3Repository(client *s3.Client, bucketName string) *S3Repository {
	return &S3Repository{
		client:     client,
		uploader:   manager.NewUploader(client),
		bucketName: bucketName,
	}
}

func (r *S3Repository) Bucket() string       { return r.bucketName }
func (r *S3Repository) Type() RepositoryType { return S3Type }

// Put goes through the upload manager, which switches to multipart for large
// or unsized bodies.
func (r *S3Repository) Put(ctx context.Context, key string, reader io.Reader) (string, error) {
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
		Body:   reader,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", r.bucketName, key, err)
	}
	return objectURL("s3", r.bucketName, key), nil
}

func (r *S3Repository) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, r.wrap(key, err)
	}
	return result.Body, nil
}

func (r *S3Repository) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	return err
}

func (r *S3Repository) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, r.wrap(key, err)
	}
	return ObjectInfo{Key: key, Size: aws.ToInt64(head.ContentLength)}, nil
}

func (r *S3Repository) wrap(key string, err error) error {
	if IsS3NotFound(err) {
		return fmt.Errorf("s3://%s/%s: %w", r.bucketName, key, ErrObjectNotFound)
	}
	return err
}

// IsS3NotFound reports whether err is S3's answer for a missing key.
func IsS3NotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}
