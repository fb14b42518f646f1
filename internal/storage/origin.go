package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zzenonn/zref/internal/repository/objectstore"
)

// Origins opens the source URL of a storage request: a bare path, file://,
// s3:// or gs://.
type Origins struct {
	factory *objectstore.Factory
}

func NewOrigins(factory *objectstore.Factory) *Origins {
	return &Origins{factory: factory}
}

// Open streams the object behind url.
func (o *Origins) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return os.Open(url)
	}
	if scheme == "file" {
		return os.Open(rest)
	}

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("malformed origin url %s", url)
	}
	cfg, err := objectstore.ParseBucketConfig(scheme + "://" + bucket)
	if err != nil {
		return nil, err
	}
	repo, err := o.factory.Open(cfg)
	if err != nil {
		return nil, err
	}
	return repo.Get(ctx, key)
}
