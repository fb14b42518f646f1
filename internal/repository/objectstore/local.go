package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalRepository stores objects as files under a root directory.
type LocalRepository struct {
	root string
}

// NewLocalRepository creates the root directory if needed.
func NewLocalRepository(root string) (*LocalRepository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid local root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local root %s: %w", abs, err)
	}
	return &LocalRepository{root: abs}, nil
}

func (r *LocalRepository) Bucket() string       { return r.root }
func (r *LocalRepository) Type() RepositoryType { return LocalType }

// path maps key under root, refusing keys that escape it.
func (r *LocalRepository) path(key string) (string, error) {
	p := filepath.Join(r.root, filepath.FromSlash(key))
	if p != r.root && !strings.HasPrefix(p, r.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %s escapes local root", key)
	}
	return p, nil
}

// Put writes through a temporary file renamed into place, so readers never
// see a partial object.
func (r *LocalRepository) Put(ctx context.Context, key string, reader io.Reader) (string, error) {
	dest, err := r.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(dest), nil
}

func (r *LocalRepository) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := r.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrObjectNotFound)
	}
	return f, err
}

func (r *LocalRepository) Delete(ctx context.Context, key string) error {
	p, err := r.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *LocalRepository) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := r.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, fmt.Errorf("%s: %w", p, ErrObjectNotFound)
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: info.Size()}, nil
}
