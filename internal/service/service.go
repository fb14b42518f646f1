// Package service holds the orchestration core: the reference lifecycle, the
// four request ledgers, storage resolution, cache admission and the job
// dispatcher. Services are plain structs built once by the composition root.
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
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/storage"
)

// markErrorChunk bounds how many requests one error transition touches.
const markErrorChunk = 100

// Locations is the view of the location registry the services need.
type Locations interface {
	Get(name string) (domain.StorageLocation, bool)
	IsConfigured(name string) bool
	Plugin(name string) (storage.Plugin, domain.StorageLocation, error)
	ByPriority(names []string) []domain.StorageLocation
}

// Cache is the view of the local cache the services need.
type Cache interface {
	FilePath(checksum string) string
	Get(ctx context.Context, checksum string) (domain.CacheFile, error)
	AddFile(ctx context.Context, meta domain.FileReferenceMetaInfo, expiration time.Time, groupID string) (domain.CacheFile, error)
	Extend(ctx context.Context, checksum string, expiration time.Time, groupID string) (domain.CacheFile, error)
	ReleaseGroup(ctx context.Context, checksum, groupID string) error
	FreeBytes(ctx context.Context) (int64, error)
	IsFull(ctx context.Context) (bool, error)
}

// JobSubmitter enqueues a job for asynchronous execution. Outcomes come back
// through the ledger services, never through Submit.
type JobSubmitter interface {
	Submit(ctx context.Context, job domain.Job) error
}

// UnknownStorageCause is recorded on requests whose storage location is not
// configured or is disabled.
func UnknownStorageCause(storage string) string {
	return fmt.Sprintf("Storage location <%s> is unknown or disabled.", storage)
}

// ledger carries the operations every request kind shares.
type ledger[T domain.Request] struct {
	kind       domain.RequestKind
	repo       repository.RequestRepository[T]
	publisher  notify.Publisher
	clock      clock.Clock
	errorEvent domain.FileEventType
}

func newLedger[T domain.Request](kind domain.RequestKind, repo repository.RequestRepository[T], publisher notify.Publisher, clk clock.Clock, errorEvent domain.FileEventType) ledger[T] {
	if publisher == nil {
		publisher = notify.LogPublisher{}
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return ledger[T]{kind: kind, repo: repo, publisher: publisher, clock: clk, errorEvent: errorEvent}
}

func (l *ledger[T]) Kind() domain.RequestKind {
	return l.kind
}

func (l *ledger[T]) Get(ctx context.Context, id string) (T, error) {
	return l.repo.GetRequest(ctx, id)
}

func (l *ledger[T]) Search(ctx context.Context, filter repository.RequestFilter) ([]T, error) {
	return l.repo.SearchRequests(ctx, filter)
}

func (l *ledger[T]) Delete(ctx context.Context, id string) error {
	return l.repo.DeleteRequest(ctx, id)
}

// DeleteByStorage removes the requests of one storage, optionally restricted to statuses.
func (l *ledger[T]) DeleteByStorage(ctx context.Context, storage string, statuses ...domain.RequestStatus) (int, error) {
	return l.repo.DeleteRequests(ctx, repository.RequestFilter{Storage: storage, Statuses: statuses})
}

// Retry resets one ERROR request to TODO.
func (l *ledger[T]) Retry(ctx context.Context, id string) (T, error) {
	return l.repo.UpdateRequest(ctx, id, func(req T) error {
		h := req.Header()
		if !h.Retry() {
			return fmt.Errorf("%w: %s request %s is %s", zerrors.ErrInvalidStatus, l.kind, id, h.Status)
		}
		return nil
	})
}

// RetryByOwners resets every ERROR request owned by one of owners.
func (l *ledger[T]) RetryByOwners(ctx context.Context, owners []string) (int, error) {
	retried := 0
	for _, owner := range owners {
		n, err := l.retryMatching(ctx, repository.RequestFilter{Owner: owner, Statuses: []domain.RequestStatus{domain.StatusError}})
		retried += n
		if err != nil {
			return retried, err
		}
	}
	return retried, nil
}

// RetryByGroup resets every ERROR request carrying groupID.
func (l *ledger[T]) RetryByGroup(ctx context.Context, groupID string) (int, error) {
	return l.retryMatching(ctx, repository.RequestFilter{GroupID: groupID, Statuses: []domain.RequestStatus{domain.StatusError}})
}

func (l *ledger[T]) retryMatching(ctx context.Context, filter repository.RequestFilter) (int, error) {
	found, err := l.repo.SearchRequests(ctx, filter)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, req := range found {
		_, err := l.Retry(ctx, req.Header().ID)
		switch {
		case err == nil:
			retried++
		case errors.Is(err, zerrors.ErrInvalidStatus), zerrors.IsNotFound(err):
			// Picked up or removed since the search.
		default:
			return retried, err
		}
	}
	if retried > 0 {
		log.Infof("Retried %d %s requests", retried, l.kind)
	}
	return retried, nil
}

// MarkError moves requests to ERROR with cause and notifies their owners.
// Requests are transitioned in chunks; a chunk that lost a request to a
// concurrent change falls back to one update per request.
func (l *ledger[T]) MarkError(ctx context.Context, ids []string, cause string) error {
	for start := 0; start < len(ids); start += markErrorChunk {
		chunk := ids[start:min(start+markErrorChunk, len(ids))]
		updated, err := l.repo.TransitionRequests(ctx, chunk, allStatuses, func(req T) {
			req.Header().SetError(cause)
		})
		if errors.Is(err, zerrors.ErrConflict) {
			updated, err = l.markEach(ctx, chunk, cause)
		}
		if err != nil {
			return fmt.Errorf("failed to mark %s requests as errored: %w", l.kind, err)
		}
		for _, req := range updated {
			l.notifyError(ctx, req)
		}
	}
	return nil
}

func (l *ledger[T]) markEach(ctx context.Context, ids []string, cause string) ([]T, error) {
	var updated []T
	for _, id := range ids {
		req, err := l.repo.UpdateRequest(ctx, id, func(req T) error {
			req.Header().SetError(cause)
			return nil
		})
		if zerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return updated, err
		}
		updated = append(updated, req)
	}
	return updated, nil
}

func (l *ledger[T]) notifyError(ctx context.Context, req T) {
	h := req.Header()
	log.WithFields(log.Fields{"storage": h.Storage, "checksum": h.Checksum, "kind": l.kind}).Errorf("Request %s failed: %s", h.ID, h.ErrorCause)
	l.publisher.Publish(ctx, domain.FileEvent{
		Type:     l.errorEvent,
		Checksum: h.Checksum,
		Storage:  h.Storage,
		Owners:   h.Owners,
		GroupIDs: h.GroupIDs,
		Message:  h.ErrorCause,
		At:       l.clock.Now(),
	})
}

// claim flips ids from one of from to PENDING under jobID.
func (l *ledger[T]) claim(ctx context.Context, ids []string, from domain.RequestStatus, jobID string) error {
	_, err := l.repo.TransitionRequests(ctx, ids, []domain.RequestStatus{from}, func(req T) {
		h := req.Header()
		h.Status = domain.StatusPending
		h.JobID = jobID
	})
	return err
}

var allStatuses = []domain.RequestStatus{domain.StatusTodo, domain.StatusPending, domain.StatusDelayed, domain.StatusError}

// idleStatuses are the statuses of a request no job holds.
var idleStatuses = []domain.RequestStatus{domain.StatusTodo, domain.StatusDelayed, domain.StatusError}

// ids returns the ids of requests in order.
func ids[T domain.Request](requests []T) []string {
	out := make([]string, len(requests))
	for i, req := range requests {
		out[i] = req.Header().ID
	}
	return out
}

// resetOnResubmit returns a request to TODO when it errored before.
func resetOnResubmit(h *domain.RequestHeader) {
	if h.Status == domain.StatusError {
		h.Retry()
	}
}
