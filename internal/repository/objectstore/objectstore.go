// Package objectstore reads and writes whole objects on S3, Google Cloud
// Storage and local directories. Storage plugins, shard placement and origin
// reads all go through the ObjectRepository interface.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrObjectNotFound is returned by Get and Stat for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectRepository stores objects under keys of a single bucket.
type ObjectRepository interface {
	// Put writes r under key and returns the URL recorded on file references.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Bucket() string
	Type() RepositoryType
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// RepositoryType names an object store backend. The values double as the
// plugin names of single bucket storage locations.
type RepositoryType string

const (
	S3Type    RepositoryType = "s3"
	GCSType   RepositoryType = "gcs"
	LocalType RepositoryType = "local"
)

var schemes = map[string]RepositoryType{
	"s3":   S3Type,
	"gs":   GCSType,
	"gcs":  GCSType,
	"file": LocalType,
}

// BucketConfig identifies one bucket, or one root directory for LocalType.
type BucketConfig struct {
	Name string
	Type RepositoryType
}

// ParseBucketConfig reads "s3://bucket", "gs://bucket", "file:///dir", the
// short "gcs:bucket" form, or a bare name which is taken as an S3 bucket.
func ParseBucketConfig(bucketStr string) (BucketConfig, error) {
	bucketStr = strings.TrimSpace(bucketStr)

	scheme, name, found := strings.Cut(bucketStr, "://")
	if !found {
		scheme, name, found = strings.Cut(bucketStr, ":")
	}
	if !found {
		return BucketConfig{Name: bucketStr, Type: S3Type}, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return BucketConfig{}, fmt.Errorf("bucket name cannot be empty in %q", bucketStr)
	}
	repoType, ok := schemes[strings.ToLower(strings.TrimSpace(scheme))]
	if !ok {
		return BucketConfig{}, fmt.Errorf("unsupported scheme: %s", scheme)
	}
	return BucketConfig{Name: name, Type: repoType}, nil
}

func objectURL(scheme, bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, bucket, strings.TrimPrefix(key, "/"))
}

// KeyFromURL extracts the object key from a URL produced by this package for bucket.
func KeyFromURL(url, bucket string) (string, bool) {
	_, rest, ok := strings.Cut(url, "://")
	if !ok {
		return "", false
	}
	rest = strings.TrimPrefix(rest, "/")
	bucket = strings.Trim(bucket, "/")
	return strings.CutPrefix(rest, bucket+"/")
}
