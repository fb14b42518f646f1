// Package cache manages the local directory files of restoration locations are
// staged into before they can be read.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
)

// purgePageSize bounds how many expired files one purge round loads.
const purgePageSize = 500

// Service tracks cached files and their expiry.
type Service struct {
	repo     repository.CacheFileRepository
	root     string
	capacity int64
	clock    clock.Clock

	fullWarned atomic.Bool
}

func NewService(repo repository.CacheFileRepository, root string, capacity int64, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{repo: repo, root: root, capacity: capacity, clock: clk}
}

func (s *Service) Capacity() int64 {
	return s.capacity
}

// DirectoryPath spreads files over three levels taken from the checksum.
func (s *Service) DirectoryPath(checksum string) string {
	parts := []string{s.root}
	for i := 0; i+2 <= len(checksum) && i < 6; i += 2 {
		parts = append(parts, checksum[i:i+2])
	}
	return filepath.Join(parts...)
}

func (s *Service) FilePath(checksum string) string {
	return filepath.Join(s.DirectoryPath(checksum), checksum)
}

// AddFile records a staged file, or extends the expiry of a cached one.
func (s *Service) AddFile(ctx context.Context, meta domain.FileReferenceMetaInfo, expiration time.Time, groupID string) (domain.CacheFile, error) {
	return s.repo.UpsertCacheFile(ctx, meta.Checksum, func(cf *domain.CacheFile, exists bool) error {
		if !exists {
			cf.FileSize = meta.FileSize
			cf.FileName = meta.FileName
			cf.MimeType = meta.MimeType
			cf.Location = "file://" + filepath.ToSlash(s.FilePath(meta.Checksum))
		}
		cf.Extend(expiration, groupID)
		return nil
	})
}

// Get returns a cached file that has not expired and is still on disk.
func (s *Service) Get(ctx context.Context, checksum string) (domain.CacheFile, error) {
	cf, err := s.repo.GetCacheFile(ctx, checksum)
	if err != nil {
		return domain.CacheFile{}, err
	}
	if cf.Expired(s.clock.Now()) {
		return domain.CacheFile{}, zerrors.NotFoundError("cache file %s expired", checksum)
	}
	if _, err := os.Stat(s.FilePath(checksum)); err != nil {
		return domain.CacheFile{}, zerrors.NotFoundError("cache file %s missing on disk", checksum)
	}
	return cf, nil
}

// Extend pushes the expiry of a cached file and records groupID.
func (s *Service) Extend(ctx context.Context, checksum string, expiration time.Time, groupID string) (domain.CacheFile, error) {
	return s.repo.UpsertCacheFile(ctx, checksum, func(cf *domain.CacheFile, exists bool) error {
		if !exists {
			return zerrors.NotFoundError("cache file %s", checksum)
		}
		cf.Extend(expiration, groupID)
		return nil
	})
}

// ReleaseGroup drops groupID from a cached file and deletes the file when no
// group uses it anymore.
func (s *Service) ReleaseGroup(ctx context.Context, checksum, groupID string) error {
	unused := false
	_, err := s.repo.UpsertCacheFile(ctx, checksum, func(cf *domain.CacheFile, exists bool) error {
		if !exists {
			return zerrors.ErrNotFound
		}
		cf.GroupIDs = slices.DeleteFunc(cf.GroupIDs, func(g string) bool { return g == groupID })
		unused = len(cf.GroupIDs) == 0
		return nil
	})
	if zerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if unused {
		return s.Delete(ctx, checksum)
	}
	return nil
}

// Delete removes a file from disk and forgets it.
func (s *Service) Delete(ctx context.Context, checksum string) error {
	if err := os.Remove(s.FilePath(checksum)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cached file %s: %w", checksum, err)
	}
	return s.repo.DeleteCacheFile(ctx, checksum)
}

// Purge deletes every expired file and returns how many were removed.
func (s *Service) Purge(ctx context.Context) (int, error) {
	now := s.clock.Now()
	purged := 0
	for {
		expired, err := s.repo.ListExpiredCacheFiles(ctx, now, purgePageSize)
		if err != nil {
			return purged, err
		}
		for _, cf := range expired {
			if err := s.Delete(ctx, cf.Checksum); err != nil {
				return purged, err
			}
			purged++
		}
		if len(expired) < purgePageSize {
			break
		}
	}
	if purged > 0 {
		log.Infof("Purged %d expired cache files", purged)
	}
	return purged, nil
}

func (s *Service) UsedBytes(ctx context.Context) (int64, error) {
	return s.repo.TotalCacheSize(ctx)
}

// FreeBytes is the capacity left once resident files are counted.
func (s *Service) FreeBytes(ctx context.Context) (int64, error) {
	used, err := s.UsedBytes(ctx)
	if err != nil {
		return 0, err
	}
	return s.capacity - used, nil
}

// IsFull reports whether no byte is left. The first time the cache fills up a
// warning is logged; it is re-armed once space frees up.
func (s *Service) IsFull(ctx context.Context) (bool, error) {
	free, err := s.FreeBytes(ctx)
	if err != nil {
		return false, err
	}
	full := free <= 0
	if full && s.fullWarned.CompareAndSwap(false, true) {
		log.Warnf("Cache %s is full (capacity %s)", s.root, humanize.IBytes(uint64(s.capacity)))
	} else if !full {
		s.fullWarned.Store(false)
	}
	return full, nil
}
