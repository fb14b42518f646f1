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

// CacheRequestService is the ledger of files being restored into the cache.
// There is at most one request per checksum.
type CacheRequestService struct {
	ledger[*domain.CacheRequest]
	cache Cache
}

func NewCacheRequestService(repo repository.RequestRepository[*domain.CacheRequest], cache Cache, publisher notify.Publisher, clk clock.Clock) *CacheRequestService {
	return &CacheRequestService{
		ledger: newLedger(domain.KindRestoration, repo, publisher, clk, domain.EventAvailabilityError),
		cache:  cache,
	}
}

// Create asks for ref to be staged into the cache until expiration. A request
// already queued for the checksum gains groupID and the later expiration; a
// failed one is reset.
func (s *CacheRequestService) Create(ctx context.Context, ref domain.FileReference, expiration time.Time, groupID string) (*domain.CacheRequest, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindByNaturalKey(ctx, ref.Checksum())
		if err == nil {
			return s.repo.UpdateRequest(ctx, existing.ID, func(req *domain.CacheRequest) error {
				req.AddGroupID(groupID)
				if expiration.After(req.ExpirationDate) {
					req.ExpirationDate = expiration
				}
				resetOnResubmit(req.Header())
				return nil
			})
		}
		if !zerrors.IsNotFound(err) {
			return nil, err
		}

		req := &domain.CacheRequest{
			RequestHeader: domain.RequestHeader{
				Storage:  ref.Storage(),
				Checksum: ref.Checksum(),
				Status:   domain.StatusTodo,
			},
			FileReference:  ref,
			FileSize:       ref.MetaInfo.FileSize,
			Destination:    s.cache.FilePath(ref.Checksum()),
			ExpirationDate: expiration,
		}
		req.AddGroupID(groupID)
		created, err := s.repo.CreateRequest(ctx, req)
		if errors.Is(err, zerrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(logging.FileFields(created.Storage, created.Checksum)).Debugf("Created restoration request %s", created.ID)
		return created, nil
	}
	return nil, fmt.Errorf("%w: restoration request %s", zerrors.ErrConflict, ref.Checksum())
}

// PendingBytes sums the sizes of the TODO and PENDING requests not in exclude.
func (s *CacheRequestService) PendingBytes(ctx context.Context, exclude map[string]bool) (int64, error) {
	pending, err := s.repo.SearchRequests(ctx, repository.RequestFilter{
		Statuses: []domain.RequestStatus{domain.StatusTodo, domain.StatusPending},
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, req := range pending {
		if !exclude[req.ID] {
			total += req.FileSize
		}
	}
	return total, nil
}

// HandleSuccess records the staged file in the cache and publishes AVAILABLE.
func (s *CacheRequestService) HandleSuccess(ctx context.Context, id string) error {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	groups := req.GroupIDs
	if len(groups) == 0 {
		groups = []string{""}
	}
	var cached domain.CacheFile
	for _, group := range groups {
		cached, err = s.cache.AddFile(ctx, req.FileReference.MetaInfo, req.ExpirationDate, group)
		if err != nil {
			return fmt.Errorf("failed to record cached file %s: %w", req.Checksum, err)
		}
	}
	if err := s.repo.DeleteRequest(ctx, id); err != nil && !zerrors.IsNotFound(err) {
		return err
	}

	s.publisher.Publish(ctx, domain.FileEvent{
		Type:     domain.EventAvailable,
		Checksum: req.Checksum,
		Storage:  req.Storage,
		GroupIDs: req.GroupIDs,
		Location: cached.Location,
		Message:  fmt.Sprintf("File %s restored from %s", req.FileReference.MetaInfo.FileName, req.Storage),
		At:       s.clock.Now(),
	})
	if _, err := s.cache.IsFull(ctx); err != nil {
		log.Warnf("Failed to check cache capacity: %v", err)
	}
	return nil
}

func (s *CacheRequestService) HandleFailure(ctx context.Context, id, cause string) error {
	return s.MarkError(ctx, []string{id}, cause)
}
