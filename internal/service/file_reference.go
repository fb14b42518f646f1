package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/logging"
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
)

var errOwnerAbsent = errors.New("owner not found")

// FileReferenceService keeps track of which owners depend on which copy of a file.
type FileReferenceService struct {
	refs             repository.FileReferenceRepository
	storageRequests  *StorageRequestService
	deletionRequests *DeletionRequestService
	locations        Locations
	publisher        notify.Publisher
	clock            clock.Clock
}

func NewFileReferenceService(
	refs repository.FileReferenceRepository,
	storageRequests *StorageRequestService,
	deletionRequests *DeletionRequestService,
	locations Locations,
	publisher notify.Publisher,
	clk clock.Clock,
) *FileReferenceService {
	if publisher == nil {
		publisher = notify.LogPublisher{}
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &FileReferenceService{
		refs:             refs,
		storageRequests:  storageRequests,
		deletionRequests: deletionRequests,
		locations:        locations,
		publisher:        publisher,
		clock:            clk,
	}
}

func (s *FileReferenceService) FindByChecksum(ctx context.Context, checksum string) ([]domain.FileReference, error) {
	return s.refs.ListFileReferencesByChecksum(ctx, checksum)
}

func (s *FileReferenceService) FindByStorageAndChecksum(ctx context.Context, storage, checksum string) (domain.FileReference, error) {
	return s.refs.GetFileReference(ctx, storage, checksum)
}

func (s *FileReferenceService) FindByStorage(ctx context.Context, storage string) ([]domain.FileReference, error) {
	return s.refs.ListFileReferencesByStorage(ctx, storage)
}

// Create stores a new reference. Owners and the identity metadata are mandatory.
func (s *FileReferenceService) Create(ctx context.Context, owners []string, meta domain.FileReferenceMetaInfo, location domain.FileLocation) (domain.FileReference, error) {
	if len(owners) == 0 {
		return domain.FileReference{}, zerrors.ErrEmptyOwners
	}
	if err := meta.Validate(); err != nil {
		return domain.FileReference{}, err
	}
	if location.Storage == "" {
		return domain.FileReference{}, zerrors.MissingFieldError("Storage")
	}
	ref := domain.FileReference{MetaInfo: meta, Location: location, StoredAt: s.clock.Now().UTC()}
	for _, owner := range owners {
		ref.AddOwner(owner)
	}
	return s.refs.CreateFileReference(ctx, ref)
}

// AddOwner adds owner to an existing reference.
func (s *FileReferenceService) AddOwner(ctx context.Context, storage, checksum, owner string) (domain.FileReference, error) {
	return s.refs.UpdateFileReference(ctx, storage, checksum, func(ref *domain.FileReference) error {
		ref.AddOwner(owner)
		return nil
	})
}

// DetachOwner removes owner from a reference. An emptied reference is kept;
// RemoveOwner decides what happens to it.
func (s *FileReferenceService) DetachOwner(ctx context.Context, storage, checksum, owner string) (domain.FileReference, error) {
	return s.refs.UpdateFileReference(ctx, storage, checksum, func(ref *domain.FileReference) error {
		if !ref.RemoveOwner(owner) {
			return errOwnerAbsent
		}
		return nil
	})
}

func (s *FileReferenceService) Delete(ctx context.Context, storage, checksum string) error {
	return s.refs.DeleteFileReference(ctx, storage, checksum)
}

// AddFileReference references a file for owners on in.Destination. A file
// already referenced there only gains the owners; a file already in place is
// referenced directly; anything else becomes a storage request, which is
// returned.
func (s *FileReferenceService) AddFileReference(ctx context.Context, in StoreInput) (*domain.StorageRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	fields := logging.FileFields(in.Destination, in.MetaInfo.Checksum)

	existing, err := s.refs.GetFileReference(ctx, in.Destination, in.MetaInfo.Checksum)
	switch {
	case err == nil:
		err := s.storageRequests.cancelIdleDeletion(ctx, in.Destination, in.MetaInfo.Checksum)
		if errors.Is(err, zerrors.ErrConflict) {
			log.WithFields(fields).Info("File is being deleted, delaying its storage")
			return s.storageRequests.Create(ctx, in)
		}
		if err != nil {
			return nil, err
		}
		ref, err := referenceOwners(ctx, s.refs, domain.FileReference{
			MetaInfo: in.MetaInfo,
			Location: existing.Location,
			Owners:   in.Owners,
		})
		if err != nil {
			return nil, err
		}
		s.stored(ctx, ref, in.Owners, in.GroupID)
		return nil, nil
	case !zerrors.IsNotFound(err):
		return nil, err
	}

	if in.OriginStorage != "" && in.OriginStorage == in.Destination {
		ref, err := s.Create(ctx, in.Owners, in.MetaInfo, domain.FileLocation{Storage: in.Destination, URL: in.OriginURL})
		if errors.Is(err, zerrors.ErrConflict) {
			// Referenced concurrently: merge instead.
			return s.AddFileReference(ctx, in)
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(fields).Debug("File already in place, referenced directly")
		s.stored(ctx, ref, in.Owners, in.GroupID)
		return nil, nil
	}

	return s.storageRequests.Create(ctx, in)
}

func (s *FileReferenceService) stored(ctx context.Context, ref domain.FileReference, owners []string, groupID string) {
	var groups []string
	if groupID != "" {
		groups = []string{groupID}
	}
	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventStored,
		Checksum: ref.Checksum(),
		Storage:  ref.Storage(),
		Owners:   owners,
		GroupIDs: groups,
		Location: ref.Location.URL,
		Message:  fmt.Sprintf("File %s referenced on %s", ref.MetaInfo.FileName, ref.Storage()),
		At:       s.clock.Now(),
	})
}

// RemoveOwner drops owner from the reference of checksum on storage. When no
// owner is left the file is deleted: through a deletion request on a
// configured location, directly otherwise.
func (s *FileReferenceService) RemoveOwner(ctx context.Context, checksum, storage, owner string, forceDelete bool) error {
	fields := logging.FileFields(storage, checksum)
	ref, err := s.DetachOwner(ctx, storage, checksum, owner)
	if errors.Is(err, errOwnerAbsent) {
		log.WithFields(fields).Warnf("Owner %s does not reference the file", owner)
		s.publisher.Publish(ctx, domain.FileEvent{
			Type:     domain.EventOwnerNotFound,
			Checksum: checksum,
			Storage:  storage,
			Owners:   []string{owner},
			Message:  fmt.Sprintf("Owner %s does not reference file %s on %s", owner, checksum, storage),
			At:       s.clock.Now(),
		})
		return nil
	}
	if err != nil {
		return err
	}

	if len(ref.Owners) == 0 {
		if s.locations.IsConfigured(storage) {
			if _, err := s.deletionRequests.Create(ctx, ref, forceDelete, ""); err != nil {
				return fmt.Errorf("failed to schedule deletion of %s on %s: %w", checksum, storage, err)
			}
			log.WithFields(fields).Info("Last owner removed, deletion scheduled")
		} else {
			if err := s.refs.DeleteFileReference(ctx, storage, checksum); err != nil && !zerrors.IsNotFound(err) {
				return err
			}
			log.WithFields(fields).Info("Last owner removed from an unconfigured location, reference deleted")
			s.publisher.Publish(ctx, domain.FileEvent{
				Type:     domain.EventFullyDeleted,
				Checksum: checksum,
				Storage:  storage,
				Message:  fmt.Sprintf("File %s forgotten on unconfigured location %s", checksum, storage),
				At:       s.clock.Now(),
			})
		}
	}

	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventDeletedForOwner,
		Checksum: checksum,
		Storage:  storage,
		Owners:   []string{owner},
		Message:  fmt.Sprintf("Owner %s removed from file %s", owner, checksum),
		At:       s.clock.Now(),
	})
	return nil
}
