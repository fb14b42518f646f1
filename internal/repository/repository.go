// Package repository declares the durable stores the orchestration services work against.
//
// Every mutation goes through a single atomic read-modify-write keyed by the entity's
// natural key (storage + checksum for references, request id for ledger entries), so
// concurrent dispatch passes and job completions never interleave into a torn status.
// Two implementations exist: badgerdb (embedded, single process) and db (DynamoDB).
package repository

import (
	"context"
	"slices"
	"time"

	"github.com/zzenonn/zref/internal/domain"
)

// FileReferenceRepository stores FileReferences keyed by (storage, checksum).
type FileReferenceRepository interface {
	GetFileReference(ctx context.Context, storage, checksum string) (domain.FileReference, error)
	ListFileReferencesByChecksum(ctx context.Context, checksum string) ([]domain.FileReference, error)
	ListFileReferencesByStorage(ctx context.Context, storage string) ([]domain.FileReference, error)
	// CreateFileReference fails with errors.ErrConflict when the key is taken.
	CreateFileReference(ctx context.Context, ref domain.FileReference) (domain.FileReference, error)
	// UpdateFileReference applies fn atomically. Nothing is written when fn fails.
	UpdateFileReference(ctx context.Context, storage, checksum string, fn func(*domain.FileReference) error) (domain.FileReference, error)
	DeleteFileReference(ctx context.Context, storage, checksum string) error
}

// RequestRepository is one request ledger.
type RequestRepository[T domain.Request] interface {
	GetRequest(ctx context.Context, id string) (T, error)
	FindByNaturalKey(ctx context.Context, key string) (T, error)
	// CreateRequest assigns id, sequence and timestamps. It fails with
	// errors.ErrConflict when a request with the same natural key exists.
	CreateRequest(ctx context.Context, req T) (T, error)
	// UpdateRequest applies fn atomically. fn must not change the natural key.
	UpdateRequest(ctx context.Context, id string, fn func(T) error) (T, error)
	DeleteRequest(ctx context.Context, id string) error
	// DeleteRequestIf removes a request only while its status is one of from,
	// failing with errors.ErrConflict otherwise.
	DeleteRequestIf(ctx context.Context, id string, from []domain.RequestStatus) error
	// ListStorages returns the distinct storages having requests in status.
	ListStorages(ctx context.Context, status domain.RequestStatus) ([]string, error)
	// ListPage returns up to limit requests of one storage and status with a
	// sequence strictly greater than afterSeq, in sequence order.
	ListPage(ctx context.Context, storage string, status domain.RequestStatus, afterSeq uint64, limit int) ([]T, error)
	// TransitionRequests applies fn to every request in one atomic unit. It fails
	// with errors.ErrConflict, writing nothing, if any request is missing or not in
	// one of the from statuses.
	TransitionRequests(ctx context.Context, ids []string, from []domain.RequestStatus, fn func(T)) ([]T, error)
	// SearchRequests returns the matching requests from one consistent snapshot.
	SearchRequests(ctx context.Context, filter RequestFilter) ([]T, error)
	DeleteRequests(ctx context.Context, filter RequestFilter) (int, error)
}

// CacheFileRepository stores the files staged into the local cache.
type CacheFileRepository interface {
	GetCacheFile(ctx context.Context, checksum string) (domain.CacheFile, error)
	// UpsertCacheFile applies fn to the existing record, or to a zero record
	// when exists is false, and saves the result atomically.
	UpsertCacheFile(ctx context.Context, checksum string, fn func(cf *domain.CacheFile, exists bool) error) (domain.CacheFile, error)
	DeleteCacheFile(ctx context.Context, checksum string) error
	ListExpiredCacheFiles(ctx context.Context, before time.Time, limit int) ([]domain.CacheFile, error)
	TotalCacheSize(ctx context.Context) (int64, error)
}

// RequestFilter selects ledger entries. Zero fields match everything.
type RequestFilter struct {
	Storage       string
	Checksums     []string
	Statuses      []domain.RequestStatus
	Owner         string
	GroupID       string
	CreatedBefore time.Time
}

// Matches reports whether h satisfies every set criterion.
func (f RequestFilter) Matches(h *domain.RequestHeader) bool {
	if f.Storage != "" && h.Storage != f.Storage {
		return false
	}
	if len(f.Checksums) > 0 && !slices.Contains(f.Checksums, h.Checksum) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, h.Status) {
		return false
	}
	if f.Owner != "" && !slices.Contains(h.Owners, f.Owner) {
		return false
	}
	if f.GroupID != "" && !slices.Contains(h.GroupIDs, f.GroupID) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !h.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}
