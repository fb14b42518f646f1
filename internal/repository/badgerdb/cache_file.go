package badgerdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
)

// CacheFileRepository stores cache file records and their expiry index.
type CacheFileRepository struct {
	store *Store
}

// NewCacheFileRepository initializes a new CacheFileRepository.
func NewCacheFileRepository(store *Store) *CacheFileRepository {
	return &CacheFileRepository{store: store}
}

func expiryNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// GetCacheFile retrieves the cache record of checksum.
func (r *CacheFileRepository) GetCacheFile(ctx context.Context, checksum string) (domain.CacheFile, error) {
	var cf domain.CacheFile
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, keyCacheFile(checksum), &cf)
	})
	return cf, err
}

// UpsertCacheFile creates or updates the cache record of checksum.
func (r *CacheFileRepository) UpsertCacheFile(ctx context.Context, checksum string, fn func(cf *domain.CacheFile, exists bool) error) (domain.CacheFile, error) {
	var saved domain.CacheFile
	err := r.store.update(ctx, func(txn *badger.Txn) error {
		var cf domain.CacheFile
		exists := true
		if err := getJSON(txn, keyCacheFile(checksum), &cf); err != nil {
			if !errors.Is(err, zerrors.ErrNotFound) {
				return err
			}
			exists = false
			cf = domain.CacheFile{Checksum: checksum}
		}
		previousExpiry := expiryNanos(cf.ExpirationDate)
		if err := fn(&cf, exists); err != nil {
			return err
		}
		if cf.Checksum != checksum {
			return fmt.Errorf("cache file %s: checksum cannot change", checksum)
		}
		if exists {
			if err := deleteIgnoreMissing(txn, keyCacheExpiry(previousExpiry, checksum)); err != nil {
				return err
			}
		}
		cf.Version++
		saved = cf
		if err := setJSON(txn, keyCacheFile(checksum), cf); err != nil {
			return err
		}
		return txn.Set(keyCacheExpiry(expiryNanos(cf.ExpirationDate), checksum), nil)
	})
	if err != nil {
		return domain.CacheFile{}, err
	}
	return saved, nil
}

// DeleteCacheFile removes the cache record of checksum.
func (r *CacheFileRepository) DeleteCacheFile(ctx context.Context, checksum string) error {
	return r.store.update(ctx, func(txn *badger.Txn) error {
		var cf domain.CacheFile
		if err := getJSON(txn, keyCacheFile(checksum), &cf); err != nil {
			return err
		}
		if err := txn.Delete(keyCacheFile(checksum)); err != nil {
			return err
		}
		return deleteIgnoreMissing(txn, keyCacheExpiry(expiryNanos(cf.ExpirationDate), checksum))
	})
}

// ListExpiredCacheFiles returns up to limit records expiring at or before before,
// soonest first.
func (r *CacheFileRepository) ListExpiredCacheFiles(ctx context.Context, before time.Time, limit int) ([]domain.CacheFile, error) {
	var expired []domain.CacheFile
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCacheExpiry)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		bound := keyCacheExpiry(before.UnixNano(), "")
		for it.Rewind(); it.Valid() && len(expired) < limit; it.Next() {
			key := it.Item().Key()
			if bytes.Compare(key, bound) > 0 && !bytes.HasPrefix(key, bound) {
				break
			}
			rest := bytes.TrimPrefix(key, []byte(prefixCacheExpiry))
			_, checksum, ok := bytes.Cut(rest, []byte(":"))
			if !ok {
				return fmt.Errorf("malformed cache expiry key %s", key)
			}
			var cf domain.CacheFile
			if err := getJSON(txn, keyCacheFile(string(checksum)), &cf); err != nil {
				return err
			}
			expired = append(expired, cf)
		}
		return nil
	})
	return expired, err
}

// TotalCacheSize sums the size of every cached file.
func (r *CacheFileRepository) TotalCacheSize(ctx context.Context) (int64, error) {
	var total int64
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCacheFile)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cf domain.CacheFile
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cf)
			}); err != nil {
				return err
			}
			total += cf.FileSize
		}
		return nil
	})
	return total, err
}
