package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
)

// AvailabilityReport sorts the checksums given to MakeAvailable by outcome.
type AvailabilityReport struct {
	Available   []string `json:"available" yaml:"available"`
	Restoring   []string `json:"restoring" yaml:"restoring"`
	Unavailable []string `json:"unavailable" yaml:"unavailable"`
}

// AvailabilityService decides where a file is read from.
type AvailabilityService struct {
	refs          repository.FileReferenceRepository
	locations     Locations
	cache         Cache
	cacheRequests *CacheRequestService
	publisher     notify.Publisher
	clock         clock.Clock
}

func NewAvailabilityService(refs repository.FileReferenceRepository, locations Locations, cache Cache, cacheRequests *CacheRequestService, publisher notify.Publisher, clk clock.Clock) *AvailabilityService {
	if clk == nil {
		clk = clock.WallClock
	}
	if publisher == nil {
		publisher = notify.LogPublisher{}
	}
	return &AvailabilityService{
		refs:          refs,
		locations:     locations,
		cache:         cache,
		cacheRequests: cacheRequests,
		publisher:     publisher,
		clock:         clk,
	}
}

// owned returns the references of checksum that still have owners.
func (s *AvailabilityService) owned(ctx context.Context, checksum string) ([]domain.FileReference, error) {
	refs, err := s.refs.ListFileReferencesByChecksum(ctx, checksum)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(refs, func(ref domain.FileReference) bool {
		return len(ref.Owners) == 0
	}), nil
}

// ResolveForRead picks the enabled location with the highest priority holding
// checksum. Ties go to the first location name.
func (s *AvailabilityService) ResolveForRead(ctx context.Context, checksum string) (domain.StorageLocation, domain.FileReference, error) {
	refs, err := s.owned(ctx, checksum)
	if err != nil {
		return domain.StorageLocation{}, domain.FileReference{}, err
	}
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.Storage()
	}
	ranked := s.locations.ByPriority(names)
	if len(ranked) == 0 {
		return domain.StorageLocation{}, domain.FileReference{}, fmt.Errorf("%w for file %s", zerrors.ErrNoReachableBackend, checksum)
	}
	best := ranked[0]
	for _, ref := range refs {
		if ref.Storage() == best.Name {
			return best, ref, nil
		}
	}
	return domain.StorageLocation{}, domain.FileReference{}, fmt.Errorf("%w for file %s", zerrors.ErrNoReachableBackend, checksum)
}

// MakeAvailable makes checksums readable until expiration. Files already in
// the cache have their expiry extended. The others are served by the
// locations holding them, from the highest priority down, each location once:
// immediate locations report the file available, restoration locations get a
// restoration request. Files no enabled location holds are reported
// unavailable.
func (s *AvailabilityService) MakeAvailable(ctx context.Context, checksums []string, expiration time.Time, groupID string) (AvailabilityReport, error) {
	var report AvailabilityReport
	remaining := make(map[string]bool, len(checksums))
	for _, cs := range checksums {
		remaining[cs] = true
	}

	for _, cs := range sortedKeys(remaining) {
		if _, err := s.cache.Get(ctx, cs); err != nil {
			continue
		}
		cached, err := s.cache.Extend(ctx, cs, expiration, groupID)
		if err != nil {
			return report, err
		}
		delete(remaining, cs)
		report.Available = append(report.Available, cs)
		s.available(ctx, cs, "", cached.Location, groupID)
	}

	byStorage := make(map[string][]domain.FileReference)
	for _, cs := range sortedKeys(remaining) {
		refs, err := s.owned(ctx, cs)
		if err != nil {
			return report, err
		}
		for _, ref := range refs {
			byStorage[ref.Storage()] = append(byStorage[ref.Storage()], ref)
		}
	}

	// Every round removes one location, so the loop ends even when no
	// location ranks.
	for len(byStorage) > 0 && len(remaining) > 0 {
		ranked := s.locations.ByPriority(sortedKeys(byStorage))
		if len(ranked) == 0 {
			break
		}
		loc := ranked[0]
		refs := byStorage[loc.Name]
		delete(byStorage, loc.Name)

		for _, ref := range refs {
			cs := ref.Checksum()
			if !remaining[cs] {
				continue
			}
			if loc.IsImmediate() {
				report.Available = append(report.Available, cs)
				s.available(ctx, cs, loc.Name, ref.Location.URL, groupID)
			} else {
				if _, err := s.cacheRequests.Create(ctx, ref, expiration, groupID); err != nil {
					return report, err
				}
				report.Restoring = append(report.Restoring, cs)
			}
			delete(remaining, cs)
		}
	}

	for _, cs := range sortedKeys(remaining) {
		report.Unavailable = append(report.Unavailable, cs)
		var groups []string
		if groupID != "" {
			groups = []string{groupID}
		}
		s.publisher.Publish(ctx, domain.FileEvent{
			Type:     domain.EventAvailabilityError,
			Checksum: cs,
			GroupIDs: groups,
			Message:  fmt.Sprintf("File %s is not held by any enabled storage location", cs),
			At:       s.clock.Now(),
		})
	}

	log.Debugf("Availability of %d files: %d available, %d restoring, %d unavailable",
		len(checksums), len(report.Available), len(report.Restoring), len(report.Unavailable))
	return report, nil
}

func (s *AvailabilityService) available(ctx context.Context, checksum, storage, location, groupID string) {
	var groups []string
	if groupID != "" {
		groups = []string{groupID}
	}
	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventAvailable,
		Checksum: checksum,
		Storage:  storage,
		GroupIDs: groups,
		Location: location,
		Message:  fmt.Sprintf("File %s is available", checksum),
		At:       s.clock.Now(),
	})
}

// Download streams a file from the cache or from its best immediate location.
func (s *AvailabilityService) Download(ctx context.Context, checksum string) (io.ReadCloser, domain.FileReferenceMetaInfo, error) {
	if cached, err := s.cache.Get(ctx, checksum); err == nil {
		f, err := os.Open(s.cache.FilePath(checksum))
		if err == nil {
			return f, domain.FileReferenceMetaInfo{
				Checksum: cached.Checksum,
				FileName: cached.FileName,
				FileSize: cached.FileSize,
				MimeType: cached.MimeType,
			}, nil
		}
		log.Warnf("Cached file %s unreadable: %v", checksum, err)
	}

	loc, ref, err := s.ResolveForRead(ctx, checksum)
	if err != nil {
		return nil, domain.FileReferenceMetaInfo{}, err
	}
	if !loc.IsImmediate() {
		return nil, ref.MetaInfo, fmt.Errorf("%w: %s is on %s", zerrors.ErrNotAvailable, checksum, loc.Name)
	}
	plugin, _, err := s.locations.Plugin(loc.Name)
	if err != nil {
		return nil, ref.MetaInfo, err
	}
	rc, err := plugin.Retrieve(ctx, ref)
	if err != nil {
		return nil, ref.MetaInfo, err
	}
	return rc, ref.MetaInfo, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
