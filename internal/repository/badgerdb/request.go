package badgerdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
)

// RequestRepository is one request ledger stored in badger. T is the pointer type
// of the ledger entry, newRequest allocates an empty one for decoding.
type RequestRepository[T domain.Request] struct {
	store      *Store
	kind       domain.RequestKind
	newRequest func() T
	now        func() time.Time
}

// NewRequestRepository initializes a ledger of the given kind.
func NewRequestRepository[T domain.Request](store *Store, kind domain.RequestKind, newRequest func() T) *RequestRepository[T] {
	return &RequestRepository[T]{
		store:      store,
		kind:       kind,
		newRequest: newRequest,
		now:        time.Now,
	}
}

// NewStorageRequestRepository, NewDeletionRequestRepository, NewCacheRequestRepository
// and NewCopyRequestRepository build the four ledgers.
func NewStorageRequestRepository(store *Store) *RequestRepository[*domain.StorageRequest] {
	return NewRequestRepository(store, domain.KindStorage, func() *domain.StorageRequest { return &domain.StorageRequest{} })
}

func NewDeletionRequestRepository(store *Store) *RequestRepository[*domain.DeletionRequest] {
	return NewRequestRepository(store, domain.KindDeletion, func() *domain.DeletionRequest { return &domain.DeletionRequest{} })
}

func NewCacheRequestRepository(store *Store) *RequestRepository[*domain.CacheRequest] {
	return NewRequestRepository(store, domain.KindRestoration, func() *domain.CacheRequest { return &domain.CacheRequest{} })
}

func NewCopyRequestRepository(store *Store) *RequestRepository[*domain.CopyRequest] {
	return NewRequestRepository(store, domain.KindCopy, func() *domain.CopyRequest { return &domain.CopyRequest{} })
}

func (r *RequestRepository[T]) get(txn *badger.Txn, id string) (T, error) {
	req := r.newRequest()
	if err := getJSON(txn, keyRequest(r.kind, id), req); err != nil {
		var zero T
		if errors.Is(err, zerrors.ErrNotFound) {
			return zero, zerrors.NotFoundError("%s request %s", r.kind, id)
		}
		return zero, err
	}
	return req, nil
}

// put writes req and keeps the status index in step with previous.
func (r *RequestRepository[T]) put(txn *badger.Txn, req T, previous *domain.RequestHeader) error {
	h := req.Header()
	if previous != nil {
		if err := deleteIgnoreMissing(txn, keyRequestStatus(r.kind, previous)); err != nil {
			return err
		}
	}
	if err := setJSON(txn, keyRequest(r.kind, h.ID), req); err != nil {
		return err
	}
	return txn.Set(keyRequestStatus(r.kind, h), nil)
}

// GetRequest retrieves a request by id.
func (r *RequestRepository[T]) GetRequest(ctx context.Context, id string) (T, error) {
	var req T
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		req, err = r.get(txn, id)
		return err
	})
	return req, err
}

// FindByNaturalKey retrieves the single request holding key.
func (r *RequestRepository[T]) FindByNaturalKey(ctx context.Context, key string) (T, error) {
	var req T
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(keyRequestNatural(r.kind, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return zerrors.NotFoundError("%s request for %s", r.kind, key)
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		req, err = r.get(txn, string(id))
		return err
	})
	return req, err
}

// CreateRequest stores a new request.
func (r *RequestRepository[T]) CreateRequest(ctx context.Context, req T) (T, error) {
	seq, err := r.store.nextSeq()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to allocate request sequence: %w", err)
	}

	h := req.Header()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Status == "" {
		h.Status = domain.StatusTodo
	}
	now := r.now().UTC()
	h.Seq = seq
	h.CreatedAt = now
	h.UpdatedAt = now
	h.Version = 1

	err = r.store.update(ctx, func(txn *badger.Txn) error {
		nk := keyRequestNatural(r.kind, req.NaturalKey())
		if _, err := txn.Get(nk); err == nil {
			return fmt.Errorf("%w: %s request for %s already exists", zerrors.ErrConflict, r.kind, req.NaturalKey())
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(nk, []byte(h.ID)); err != nil {
			return err
		}
		return r.put(txn, req, nil)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return req, nil
}

// UpdateRequest applies fn to the stored request in one transaction.
func (r *RequestRepository[T]) UpdateRequest(ctx context.Context, id string, fn func(T) error) (T, error) {
	var updated T
	err := r.store.update(ctx, func(txn *badger.Txn) error {
		req, err := r.get(txn, id)
		if err != nil {
			return err
		}
		previous := *req.Header()
		naturalKey := req.NaturalKey()
		if err := fn(req); err != nil {
			return err
		}
		if req.NaturalKey() != naturalKey {
			return fmt.Errorf("%s request %s: natural key cannot change", r.kind, id)
		}
		h := req.Header()
		h.UpdatedAt = r.now().UTC()
		h.Version++
		updated = req
		return r.put(txn, req, &previous)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return updated, nil
}

// DeleteRequest removes a request and its index entries.
func (r *RequestRepository[T]) DeleteRequest(ctx context.Context, id string) error {
	return r.store.update(ctx, func(txn *badger.Txn) error {
		req, err := r.get(txn, id)
		if err != nil {
			return err
		}
		return r.delete(txn, req)
	})
}

// DeleteRequestIf removes a request in the same transaction that checks its status.
func (r *RequestRepository[T]) DeleteRequestIf(ctx context.Context, id string, from []domain.RequestStatus) error {
	return r.store.update(ctx, func(txn *badger.Txn) error {
		req, err := r.get(txn, id)
		if err != nil {
			return err
		}
		if h := req.Header(); !slices.Contains(from, h.Status) {
			return fmt.Errorf("%w: %s request %s is %s", zerrors.ErrConflict, r.kind, id, h.Status)
		}
		return r.delete(txn, req)
	})
}

func (r *RequestRepository[T]) delete(txn *badger.Txn, req T) error {
	h := req.Header()
	if err := txn.Delete(keyRequest(r.kind, h.ID)); err != nil {
		return err
	}
	if err := deleteIgnoreMissing(txn, keyRequestStatus(r.kind, h)); err != nil {
		return err
	}
	return deleteIgnoreMissing(txn, keyRequestNatural(r.kind, req.NaturalKey()))
}

// ListStorages walks the status index, seeking past each storage once found.
func (r *RequestRepository[T]) ListStorages(ctx context.Context, status domain.RequestStatus) ([]string, error) {
	var storages []string
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		prefix := keyRequestStatusPrefix(r.kind, status)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			storage := parseStatusKeyStorage(it.Item().Key(), prefix)
			storages = append(storages, storage)
			// ';' sorts right after ':' so this lands on the next storage.
			it.Seek(append(keyRequestStatusPrefix(r.kind, status), storage+";"...))
		}
		return nil
	})
	return storages, err
}

// ListPage returns one page of requests in sequence order.
func (r *RequestRepository[T]) ListPage(ctx context.Context, storage string, status domain.RequestStatus, afterSeq uint64, limit int) ([]T, error) {
	var page []T
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		prefix := keyRequestStatusStoragePrefix(r.kind, status, storage)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		start := append(bytes.Clone(prefix), fmt.Sprintf("%020d;", afterSeq)...)
		for it.Seek(start); it.Valid() && len(page) < limit; it.Next() {
			rest := bytes.TrimPrefix(it.Item().Key(), prefix)
			_, id, ok := bytes.Cut(rest, []byte(":"))
			if !ok {
				return fmt.Errorf("malformed status index key %s", it.Item().Key())
			}
			req, err := r.get(txn, string(id))
			if err != nil {
				return err
			}
			page = append(page, req)
		}
		return nil
	})
	return page, err
}

// TransitionRequests updates every listed request or none of them.
func (r *RequestRepository[T]) TransitionRequests(ctx context.Context, ids []string, from []domain.RequestStatus, fn func(T)) ([]T, error) {
	var updated []T
	err := r.store.update(ctx, func(txn *badger.Txn) error {
		updated = updated[:0]
		now := r.now().UTC()
		for _, id := range ids {
			req, err := r.get(txn, id)
			if err != nil {
				return fmt.Errorf("%w: %v", zerrors.ErrConflict, err)
			}
			h := req.Header()
			if !slices.Contains(from, h.Status) {
				return fmt.Errorf("%w: %s request %s is %s", zerrors.ErrConflict, r.kind, id, h.Status)
			}
			previous := *h
			fn(req)
			h.UpdatedAt = now
			h.Version++
			if err := r.put(txn, req, &previous); err != nil {
				return err
			}
			updated = append(updated, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SearchRequests scans the ledger in one read transaction.
func (r *RequestRepository[T]) SearchRequests(ctx context.Context, filter repository.RequestFilter) ([]T, error) {
	var found []T
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = r.scan(txn, filter)
		return err
	})
	return found, err
}

func (r *RequestRepository[T]) scan(txn *badger.Txn, filter repository.RequestFilter) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyRequestIDPrefix(r.kind)
	it := txn.NewIterator(opts)
	defer it.Close()

	var found []T
	for it.Rewind(); it.Valid(); it.Next() {
		req := r.newRequest()
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, req)
		}); err != nil {
			return nil, err
		}
		if filter.Matches(req.Header()) {
			found = append(found, req)
		}
	}
	slices.SortFunc(found, func(a, b T) int {
		return compareSeq(a.Header().Seq, b.Header().Seq)
	})
	return found, nil
}

// DeleteRequests removes every matching request and returns how many were removed.
func (r *RequestRepository[T]) DeleteRequests(ctx context.Context, filter repository.RequestFilter) (int, error) {
	deleted := 0
	err := r.store.update(ctx, func(txn *badger.Txn) error {
		deleted = 0
		found, err := r.scan(txn, filter)
		if err != nil {
			return err
		}
		for _, req := range found {
			if err := r.delete(txn, req); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
