package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/logging"
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
)

// DeletionRequestService is the ledger of physical copies waiting to be removed.
type DeletionRequestService struct {
	ledger[*domain.DeletionRequest]
	refs            repository.FileReferenceRepository
	cacheRequests   repository.RequestRepository[*domain.CacheRequest]
	storageRequests *StorageRequestService
}

func NewDeletionRequestService(
	repo repository.RequestRepository[*domain.DeletionRequest],
	refs repository.FileReferenceRepository,
	cacheRequests repository.RequestRepository[*domain.CacheRequest],
	storageRequests *StorageRequestService,
	publisher notify.Publisher,
	clk clock.Clock,
) *DeletionRequestService {
	return &DeletionRequestService{
		ledger:          newLedger(domain.KindDeletion, repo, publisher, clk, domain.EventDeletionError),
		refs:            refs,
		cacheRequests:   cacheRequests,
		storageRequests: storageRequests,
	}
}

// Create queues the deletion of ref. An existing request for the same file is
// reused: a failed one is reset and forceDelete is only ever switched on.
func (s *DeletionRequestService) Create(ctx context.Context, ref domain.FileReference, forceDelete bool, groupID string) (*domain.DeletionRequest, error) {
	key := domain.NaturalKey(ref.Storage(), ref.Checksum())
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindByNaturalKey(ctx, key)
		if err == nil {
			return s.repo.UpdateRequest(ctx, existing.ID, func(req *domain.DeletionRequest) error {
				req.ForceDelete = req.ForceDelete || forceDelete
				req.AddGroupID(groupID)
				if req.Status != domain.StatusPending {
					req.FileReference = ref
				}
				resetOnResubmit(req.Header())
				return nil
			})
		}
		if !zerrors.IsNotFound(err) {
			return nil, err
		}

		req := &domain.DeletionRequest{
			RequestHeader: domain.RequestHeader{
				Storage:  ref.Storage(),
				Checksum: ref.Checksum(),
				Status:   domain.StatusTodo,
			},
			FileReference: ref,
			ForceDelete:   forceDelete,
		}
		req.AddGroupID(groupID)
		created, err := s.repo.CreateRequest(ctx, req)
		if errors.Is(err, zerrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(logging.FileFields(created.Storage, created.Checksum)).Debugf("Created deletion request %s", created.ID)
		return created, nil
	}
	return nil, fmt.Errorf("%w: deletion request %s", zerrors.ErrConflict, key)
}

// HandleSuccess forgets the deleted file: the request, any restoration of it
// and its reference. Storage requests parked behind the deletion are released.
func (s *DeletionRequestService) HandleSuccess(ctx context.Context, id string) error {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRequest(ctx, id); err != nil && !zerrors.IsNotFound(err) {
		return err
	}
	if restoration, err := s.cacheRequests.FindByNaturalKey(ctx, req.Checksum); err == nil && restoration.Storage == req.Storage {
		if err := s.cacheRequests.DeleteRequest(ctx, restoration.ID); err != nil && !zerrors.IsNotFound(err) {
			return err
		}
	} else if err != nil && !zerrors.IsNotFound(err) {
		return err
	}
	if err := s.refs.DeleteFileReference(ctx, req.Storage, req.Checksum); err != nil && !zerrors.IsNotFound(err) {
		return err
	}

	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventFullyDeleted,
		Checksum: req.Checksum,
		Storage:  req.Storage,
		GroupIDs: req.GroupIDs,
		Message:  fmt.Sprintf("File %s deleted from %s", req.FileReference.MetaInfo.FileName, req.Storage),
		At:       s.clock.Now(),
	})

	_, err = s.storageRequests.PromoteDelayed(ctx, req.Storage, req.Checksum)
	return err
}

// HandleFailure errors the request, unless it was forced: then the file is
// forgotten as if the deletion had succeeded.
func (s *DeletionRequestService) HandleFailure(ctx context.Context, id, cause string) error {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.ForceDelete {
		log.WithFields(logging.FileFields(req.Storage, req.Checksum)).Warnf("Forced deletion ignores failure: %s", cause)
		return s.HandleSuccess(ctx, id)
	}
	if err := s.MarkError(ctx, []string{id}, cause); err != nil {
		return err
	}
	_, err = s.storageRequests.releaseIfIdle(ctx, req.Storage, req.Checksum)
	return err
}

// Delete removes a deletion request and releases the storage requests parked
// behind it.
func (s *DeletionRequestService) Delete(ctx context.Context, id string) error {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRequest(ctx, id); err != nil {
		return err
	}
	_, err = s.storageRequests.releaseIfIdle(ctx, req.Storage, req.Checksum)
	return err
}

// DeleteByStorage removes the deletion requests of one storage and releases
// the storage requests they were holding back.
func (s *DeletionRequestService) DeleteByStorage(ctx context.Context, storage string, statuses ...domain.RequestStatus) (int, error) {
	n, err := s.ledger.DeleteByStorage(ctx, storage, statuses...)
	if err != nil {
		return n, err
	}
	_, err = s.storageRequests.ReleaseDelayed(ctx, storage)
	return n, err
}

func (s *DeletionRequestService) deleteFailedBefore(ctx context.Context, before time.Time) (int, error) {
	n, err := s.ledger.deleteFailedBefore(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	_, err = s.storageRequests.ReleaseDelayed(ctx, "")
	return n, err
}
