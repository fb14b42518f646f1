package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/logging"
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
)

// CopyInput asks for a known file to be replicated on Destination.
type CopyInput struct {
	Checksum     string
	Destination  string
	SubDirectory string
	// Owners of the new copy. Defaults to the owners of the source.
	Owners []string
}

// CopyRequestService is the ledger of replications. A copy runs in two
// phases: the file is made available under CacheGroupID, then stored on the
// destination under StorageGroupID. Both phases report back through events.
type CopyRequestService struct {
	ledger[*domain.CopyRequest]
	refs            repository.FileReferenceRepository
	storageRequests *StorageRequestService
	availability    *AvailabilityService
	cache           Cache
	expiration      time.Duration
}

func NewCopyRequestService(
	repo repository.RequestRepository[*domain.CopyRequest],
	refs repository.FileReferenceRepository,
	storageRequests *StorageRequestService,
	availability *AvailabilityService,
	cache Cache,
	expiration time.Duration,
	publisher notify.Publisher,
	clk clock.Clock,
) *CopyRequestService {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &CopyRequestService{
		ledger:          newLedger(domain.KindCopy, repo, publisher, clk, domain.EventCopyError),
		refs:            refs,
		storageRequests: storageRequests,
		availability:    availability,
		cache:           cache,
		expiration:      expiration,
	}
}

// Create queues a copy. The source is any reference of the checksum. A
// destination already holding the file only gains the owners and the copy
// completes at once with a nil request.
func (s *CopyRequestService) Create(ctx context.Context, in CopyInput, groupID string) (*domain.CopyRequest, error) {
	if in.Checksum == "" {
		return nil, zerrors.MissingFieldError("Checksum")
	}
	if in.Destination == "" {
		return nil, zerrors.MissingFieldError("Destination")
	}
	sources, err := s.refs.ListFileReferencesByChecksum(ctx, in.Checksum)
	if err != nil {
		return nil, err
	}
	// An owner-less reference is waiting for its deletion.
	sources = slices.DeleteFunc(sources, func(ref domain.FileReference) bool { return len(ref.Owners) == 0 })
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", zerrors.ErrNothingToCopy, in.Checksum)
	}
	source := sources[0]
	owners := in.Owners
	if len(owners) == 0 {
		owners = source.Owners
	}

	if idx := slices.IndexFunc(sources, func(ref domain.FileReference) bool { return ref.Storage() == in.Destination }); idx >= 0 {
		ref := sources[idx]
		if len(in.Owners) > 0 {
			if ref, err = referenceOwners(ctx, s.refs, domain.FileReference{MetaInfo: ref.MetaInfo, Location: ref.Location, Owners: in.Owners}); err != nil {
				return nil, err
			}
		}
		s.copied(ctx, ref.Checksum(), ref.Storage(), ref.Location.URL, owners, []string{groupID})
		return nil, nil
	}

	key := domain.NaturalKey(in.Destination, in.Checksum)
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindByNaturalKey(ctx, key)
		if err == nil {
			return s.repo.UpdateRequest(ctx, existing.ID, func(req *domain.CopyRequest) error {
				for _, owner := range owners {
					req.AddOwner(owner)
				}
				req.AddGroupID(groupID)
				resetOnResubmit(req.Header())
				return nil
			})
		}
		if !zerrors.IsNotFound(err) {
			return nil, err
		}

		req := &domain.CopyRequest{
			RequestHeader: domain.RequestHeader{
				Storage:  in.Destination,
				Checksum: in.Checksum,
				Status:   domain.StatusTodo,
			},
			MetaInfo:     source.MetaInfo,
			SubDirectory: in.SubDirectory,
		}
		for _, owner := range owners {
			req.AddOwner(owner)
		}
		req.AddGroupID(groupID)
		created, err := s.repo.CreateRequest(ctx, req)
		if errors.Is(err, zerrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(logging.FileFields(created.Storage, created.Checksum)).Debugf("Created copy request %s", created.ID)
		return created, nil
	}
	return nil, fmt.Errorf("%w: copy request %s", zerrors.ErrConflict, key)
}

// StartCopies runs the first phase of the given PENDING copies: each gets
// fresh group ids and its file is made available.
func (s *CopyRequestService) StartCopies(ctx context.Context, requestIDs []string) error {
	for _, id := range requestIDs {
		req, err := s.repo.UpdateRequest(ctx, id, func(req *domain.CopyRequest) error {
			if req.Status != domain.StatusPending {
				return fmt.Errorf("%w: copy request %s is %s", zerrors.ErrInvalidStatus, req.ID, req.Status)
			}
			req.CacheGroupID = uuid.NewString()
			req.StorageGroupID = uuid.NewString()
			return nil
		})
		if err != nil {
			log.Warnf("Skipping copy request %s: %v", id, err)
			continue
		}
		expiration := s.clock.Now().Add(s.expiration)
		if _, err := s.availability.MakeAvailable(ctx, []string{req.Checksum}, expiration, req.CacheGroupID); err != nil {
			if err := s.MarkError(ctx, []string{id}, err.Error()); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleEvent moves copies along as their file becomes available, gets
// stored, or fails. It is subscribed to the event bus.
func (s *CopyRequestService) HandleEvent(ctx context.Context, event domain.FileEvent) {
	var err error
	switch event.Type {
	case domain.EventAvailable:
		err = s.onAvailable(ctx, event)
	case domain.EventStored:
		err = s.onStored(ctx, event)
	case domain.EventStoreError, domain.EventAvailabilityError:
		err = s.onError(ctx, event)
	}
	if err != nil {
		log.WithFields(logging.FileFields(event.Storage, event.Checksum)).Errorf("Failed to handle %s event for copies: %v", event.Type, err)
	}
}

// running returns the PENDING copies of the event's file matching one of its groups.
func (s *CopyRequestService) running(ctx context.Context, event domain.FileEvent, group func(*domain.CopyRequest) []string) ([]*domain.CopyRequest, error) {
	if len(event.GroupIDs) == 0 {
		return nil, nil
	}
	pending, err := s.repo.SearchRequests(ctx, repository.RequestFilter{
		Checksums: []string{event.Checksum},
		Statuses:  []domain.RequestStatus{domain.StatusPending},
	})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(pending, func(req *domain.CopyRequest) bool {
		for _, g := range group(req) {
			if g != "" && slices.Contains(event.GroupIDs, g) {
				return false
			}
		}
		return true
	}), nil
}

func (s *CopyRequestService) onAvailable(ctx context.Context, event domain.FileEvent) error {
	copies, err := s.running(ctx, event, func(req *domain.CopyRequest) []string { return []string{req.CacheGroupID} })
	if err != nil {
		return err
	}
	for _, req := range copies {
		_, err := s.storageRequests.Create(ctx, StoreInput{
			Owners:       req.Owners,
			MetaInfo:     req.MetaInfo,
			OriginURL:    event.Location,
			Destination:  req.Storage,
			SubDirectory: req.SubDirectory,
			GroupID:      req.StorageGroupID,
		})
		if err != nil {
			if err := s.MarkError(ctx, []string{req.ID}, err.Error()); err != nil {
				return err
			}
			continue
		}
		log.WithFields(logging.FileFields(req.Storage, req.Checksum)).Debugf("Copy %s available from %s, storing", req.ID, event.Location)
	}
	return nil
}

func (s *CopyRequestService) onStored(ctx context.Context, event domain.FileEvent) error {
	copies, err := s.running(ctx, event, func(req *domain.CopyRequest) []string { return []string{req.StorageGroupID} })
	if err != nil {
		return err
	}
	for _, req := range copies {
		if err := s.repo.DeleteRequest(ctx, req.ID); err != nil && !zerrors.IsNotFound(err) {
			return err
		}
		if err := s.cache.ReleaseGroup(ctx, req.Checksum, req.CacheGroupID); err != nil {
			log.Warnf("Failed to release cached copy of %s: %v", req.Checksum, err)
		}
		s.copied(ctx, req.Checksum, req.Storage, event.Location, req.Owners, req.GroupIDs)
	}
	return nil
}

func (s *CopyRequestService) onError(ctx context.Context, event domain.FileEvent) error {
	copies, err := s.running(ctx, event, func(req *domain.CopyRequest) []string {
		return []string{req.CacheGroupID, req.StorageGroupID}
	})
	if err != nil || len(copies) == 0 {
		return err
	}
	return s.MarkError(ctx, ids(copies), event.Message)
}

func (s *CopyRequestService) copied(ctx context.Context, checksum, storage, location string, owners, groups []string) {
	groups = slices.DeleteFunc(slices.Clone(groups), func(g string) bool { return g == "" })
	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventCopied,
		Checksum: checksum,
		Storage:  storage,
		Owners:   owners,
		GroupIDs: groups,
		Location: location,
		Message:  fmt.Sprintf("File %s copied to %s", checksum, storage),
		At:       s.clock.Now(),
	})
}
