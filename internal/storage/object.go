package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/repository/objectstore"
)

type objectParams struct {
	Bucket string `mapstructure:"bucket"`
	Root   string `mapstructure:"root"`
	Prefix string `mapstructure:"prefix"`
}

// objectPlugin stores each file as one object of an s3, gcs or local repository.
type objectPlugin struct {
	location string
	repo     objectstore.ObjectRepository
	prefix   string
	size     int
}

func newObjectPlugin(loc domain.StorageLocation, deps Deps) (*objectPlugin, error) {
	var params objectParams
	if err := decodeParams(loc, &params); err != nil {
		return nil, err
	}

	cfg := objectstore.BucketConfig{Name: params.Bucket, Type: objectstore.RepositoryType(loc.Plugin)}
	if loc.Plugin == "local" {
		cfg.Name = params.Root
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("location %s: the %s plugin needs a bucket or root param", loc.Name, loc.Plugin)
	}
	repo, err := deps.Factory.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("location %s: %w", loc.Name, err)
	}

	return &objectPlugin{location: loc.Name, repo: repo, prefix: params.Prefix, size: deps.RequestsPerJob}, nil
}

func (p *objectPlugin) PrepareForStorage(ctx context.Context, requests []*domain.StorageRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, byDirectory, nil), nil
}

func (p *objectPlugin) PrepareForDeletion(ctx context.Context, requests []*domain.DeletionRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, func(*domain.DeletionRequest) string { return "" }, nil), nil
}

func (p *objectPlugin) PrepareForRestoration(ctx context.Context, requests []*domain.CacheRequest) (Preparation, error) {
	return prepareByKey(requests, p.size, func(*domain.CacheRequest) string { return "" }, nil), nil
}

func (p *objectPlugin) Store(ctx context.Context, req *domain.StorageRequest, body io.Reader) (string, error) {
	key := objectKey(p.prefix, req.SubDirectory, req.Checksum)
	log.Debugf("Storing %s on %s as %s", req.Checksum, p.location, key)
	return p.repo.Put(ctx, key, body)
}

func (p *objectPlugin) key(ref domain.FileReference) (string, error) {
	key, ok := objectstore.KeyFromURL(ref.Location.URL, p.repo.Bucket())
	if !ok {
		return "", fmt.Errorf("url %s does not belong to location %s", ref.Location.URL, p.location)
	}
	return key, nil
}

func (p *objectPlugin) Delete(ctx context.Context, ref domain.FileReference) error {
	key, err := p.key(ref)
	if err != nil {
		return err
	}
	if _, err := p.repo.Stat(ctx, key); errors.Is(err, objectstore.ErrObjectNotFound) {
		log.WithField("storage", p.location).Warnf("%s is already gone", ref.Location.URL)
		return nil
	}
	return p.repo.Delete(ctx, key)
}

func (p *objectPlugin) Restore(ctx context.Context, ref domain.FileReference, destPath string) error {
	rc, err := p.Retrieve(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(destPath, rc)
}

func (p *objectPlugin) Retrieve(ctx context.Context, ref domain.FileReference) (io.ReadCloser, error) {
	key, err := p.key(ref)
	if err != nil {
		return nil, err
	}
	return p.repo.Get(ctx, key)
}

// writeFile copies r to path through a temporary file in the same directory.
func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
