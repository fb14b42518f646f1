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

// StoreInput describes a file to reference on a destination storage.
type StoreInput struct {
	Owners   []string
	MetaInfo domain.FileReferenceMetaInfo
	// OriginStorage names the location already holding the file, if any.
	OriginStorage string
	OriginURL     string
	Destination   string
	SubDirectory  string
	GroupID       string
}

func (in StoreInput) validate() error {
	if len(in.Owners) == 0 {
		return zerrors.ErrEmptyOwners
	}
	if err := in.MetaInfo.Validate(); err != nil {
		return err
	}
	if in.Destination == "" {
		return zerrors.MissingFieldError("Destination")
	}
	return nil
}

// StorageRequestService is the ledger of files waiting to be written.
type StorageRequestService struct {
	ledger[*domain.StorageRequest]
	refs      repository.FileReferenceRepository
	deletions repository.RequestRepository[*domain.DeletionRequest]
}

func NewStorageRequestService(
	repo repository.RequestRepository[*domain.StorageRequest],
	refs repository.FileReferenceRepository,
	deletions repository.RequestRepository[*domain.DeletionRequest],
	publisher notify.Publisher,
	clk clock.Clock,
) *StorageRequestService {
	return &StorageRequestService{
		ledger:    newLedger(domain.KindStorage, repo, publisher, clk, domain.EventStoreError),
		refs:      refs,
		deletions: deletions,
	}
}

// Create queues a storage request, or merges owners and group into the one
// already queued for the same destination and checksum. The request is
// DELAYED while a deletion of the same file is running.
func (s *StorageRequestService) Create(ctx context.Context, in StoreInput) (*domain.StorageRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	delayed, err := deletionRunning(ctx, s.deletions, in.Destination, in.MetaInfo.Checksum)
	if err != nil {
		return nil, err
	}
	req, err := s.create(ctx, in, delayed)
	if err != nil || req.Status != domain.StatusDelayed {
		return req, err
	}

	// The deletion may have ended between the check and the write.
	promoted, err := s.releaseIfIdle(ctx, req.Storage, req.Checksum)
	if err != nil {
		return nil, err
	}
	if promoted > 0 {
		return s.repo.GetRequest(ctx, req.ID)
	}
	return req, nil
}

func (s *StorageRequestService) create(ctx context.Context, in StoreInput, delayed bool) (*domain.StorageRequest, error) {
	key := domain.NaturalKey(in.Destination, in.MetaInfo.Checksum)
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindByNaturalKey(ctx, key)
		if err == nil {
			return s.repo.UpdateRequest(ctx, existing.ID, func(req *domain.StorageRequest) error {
				for _, owner := range in.Owners {
					req.AddOwner(owner)
				}
				req.AddGroupID(in.GroupID)
				warnMetadataMismatch(req.Storage, req.MetaInfo, in.MetaInfo)
				if req.Status == domain.StatusError {
					req.Retry()
					if delayed {
						req.Status = domain.StatusDelayed
					}
				}
				return nil
			})
		}
		if !zerrors.IsNotFound(err) {
			return nil, err
		}

		req := &domain.StorageRequest{
			RequestHeader: domain.RequestHeader{
				Storage:  in.Destination,
				Checksum: in.MetaInfo.Checksum,
				Status:   domain.StatusTodo,
			},
			MetaInfo:     in.MetaInfo,
			OriginURL:    in.OriginURL,
			SubDirectory: in.SubDirectory,
		}
		if delayed {
			req.Status = domain.StatusDelayed
		}
		for _, owner := range in.Owners {
			req.AddOwner(owner)
		}
		req.AddGroupID(in.GroupID)

		created, err := s.repo.CreateRequest(ctx, req)
		if errors.Is(err, zerrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(logging.FileFields(created.Storage, created.Checksum)).Debugf("Created %s storage request %s", created.Status, created.ID)
		return created, nil
	}
	return nil, fmt.Errorf("%w: storage request %s", zerrors.ErrConflict, key)
}

// HandleSuccess references every owner of the request at the stored URL,
// removes the request and publishes STORED. When a deletion job claimed the
// file meanwhile, the request is parked as DELAYED instead and stored again
// once the deletion ends.
func (s *StorageRequestService) HandleSuccess(ctx context.Context, id, url string, size int64) error {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	err = s.cancelIdleDeletion(ctx, req.Storage, req.Checksum)
	if errors.Is(err, zerrors.ErrConflict) {
		return s.delay(ctx, req)
	}
	if err != nil {
		return err
	}

	meta := req.MetaInfo
	if size > 0 {
		meta.FileSize = size
	}
	ref, err := referenceOwners(ctx, s.refs, domain.FileReference{
		MetaInfo: meta,
		Location: domain.FileLocation{Storage: req.Storage, URL: url},
		Owners:   req.Owners,
		StoredAt: s.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to reference %s on %s: %w", req.Checksum, req.Storage, err)
	}
	if err := s.repo.DeleteRequest(ctx, id); err != nil && !zerrors.IsNotFound(err) {
		return err
	}

	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventStored,
		Checksum: req.Checksum,
		Storage:  req.Storage,
		Owners:   req.Owners,
		GroupIDs: req.GroupIDs,
		Location: ref.Location.URL,
		Message:  fmt.Sprintf("File %s stored on %s", req.MetaInfo.FileName, req.Storage),
		At:       s.clock.Now(),
	})
	return nil
}

// HandleFailure records the job's cause on the request.
func (s *StorageRequestService) HandleFailure(ctx context.Context, id, cause string) error {
	return s.MarkError(ctx, []string{id}, cause)
}

// PromoteDelayed releases the storage requests parked behind a deletion.
func (s *StorageRequestService) PromoteDelayed(ctx context.Context, storage, checksum string) (int, error) {
	delayed, err := s.repo.SearchRequests(ctx, repository.RequestFilter{
		Storage:   storage,
		Checksums: []string{checksum},
		Statuses:  []domain.RequestStatus{domain.StatusDelayed},
	})
	if err != nil || len(delayed) == 0 {
		return 0, err
	}
	promoted, err := s.repo.TransitionRequests(ctx, ids(delayed), []domain.RequestStatus{domain.StatusDelayed}, func(req *domain.StorageRequest) {
		req.Status = domain.StatusTodo
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed storage requests of %s: %w", checksum, err)
	}
	log.WithFields(logging.FileFields(storage, checksum)).Infof("Promoted %d delayed storage requests", len(promoted))
	return len(promoted), nil
}

// ReleaseDelayed promotes the DELAYED requests of storage, or of every
// storage when it is empty, whose file no deletion job holds anymore.
func (s *StorageRequestService) ReleaseDelayed(ctx context.Context, storage string) (int, error) {
	delayed, err := s.repo.SearchRequests(ctx, repository.RequestFilter{
		Storage:  storage,
		Statuses: []domain.RequestStatus{domain.StatusDelayed},
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, req := range delayed {
		n, err := s.releaseIfIdle(ctx, req.Storage, req.Checksum)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// releaseIfIdle promotes the DELAYED requests of one file unless a deletion
// job holds it.
func (s *StorageRequestService) releaseIfIdle(ctx context.Context, storage, checksum string) (int, error) {
	running, err := deletionRunning(ctx, s.deletions, storage, checksum)
	if err != nil || running {
		return 0, err
	}
	return s.PromoteDelayed(ctx, storage, checksum)
}

// delay parks a request behind the deletion job holding its file.
func (s *StorageRequestService) delay(ctx context.Context, req *domain.StorageRequest) error {
	_, err := s.repo.TransitionRequests(ctx, []string{req.ID}, []domain.RequestStatus{domain.StatusTodo, domain.StatusPending}, func(r *domain.StorageRequest) {
		r.Status = domain.StatusDelayed
	})
	if err != nil {
		return fmt.Errorf("failed to delay storage request %s: %w", req.ID, err)
	}
	log.WithFields(logging.FileFields(req.Storage, req.Checksum)).Infof("File is being deleted, delayed storage request %s", req.ID)
	_, err = s.releaseIfIdle(ctx, req.Storage, req.Checksum)
	return err
}

// cancelIdleDeletion removes a deletion of the file that no job holds yet and
// releases the storage requests parked behind it. It fails with
// errors.ErrConflict when a deletion job holds the file or the deletion
// changed under it.
func (s *StorageRequestService) cancelIdleDeletion(ctx context.Context, storage, checksum string) error {
	del, err := s.deletions.FindByNaturalKey(ctx, domain.NaturalKey(storage, checksum))
	if zerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.deletions.DeleteRequestIf(ctx, del.ID, idleStatuses)
	if zerrors.IsNotFound(err) {
		return fmt.Errorf("%w: deletion request %s ended", zerrors.ErrConflict, del.ID)
	}
	if err != nil {
		return err
	}
	log.WithFields(logging.FileFields(storage, checksum)).Infof("Cancelled deletion request %s, the file has owners again", del.ID)
	_, err = s.PromoteDelayed(ctx, storage, checksum)
	return err
}

// referenceOwners creates ref, or adds its owners to the reference already
// stored for the same storage and checksum. The stored metadata is kept.
func referenceOwners(ctx context.Context, refs repository.FileReferenceRepository, ref domain.FileReference) (domain.FileReference, error) {
	for attempt := 0; attempt < 2; attempt++ {
		updated, err := refs.UpdateFileReference(ctx, ref.Storage(), ref.Checksum(), func(existing *domain.FileReference) error {
			warnMetadataMismatch(existing.Storage(), existing.MetaInfo, ref.MetaInfo)
			for _, owner := range ref.Owners {
				existing.AddOwner(owner)
			}
			return nil
		})
		if err == nil {
			return updated, nil
		}
		if !zerrors.IsNotFound(err) {
			return domain.FileReference{}, err
		}

		created, err := refs.CreateFileReference(ctx, ref)
		if errors.Is(err, zerrors.ErrConflict) {
			continue
		}
		return created, err
	}
	return domain.FileReference{}, fmt.Errorf("%w: file reference %s", zerrors.ErrConflict, domain.NaturalKey(ref.Storage(), ref.Checksum()))
}

// warnMetadataMismatch flags a duplicate carrying different metadata. The
// previously stored metadata wins.
func warnMetadataMismatch(storage string, previous, incoming domain.FileReferenceMetaInfo) {
	if previous == incoming {
		return
	}
	log.WithFields(logging.FileFields(storage, previous.Checksum)).Warnf(
		"Metadata of %s differs from the stored one (%s, %d bytes); keeping the stored metadata",
		incoming.FileName, previous.FileName, previous.FileSize)
}

// deletionRunning reports whether a deletion job holds the file.
func deletionRunning(ctx context.Context, deletions repository.RequestRepository[*domain.DeletionRequest], storage, checksum string) (bool, error) {
	del, err := deletions.FindByNaturalKey(ctx, domain.NaturalKey(storage, checksum))
	if zerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return del.Status == domain.StatusPending, nil
}
