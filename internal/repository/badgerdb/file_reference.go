package badgerdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
)

// FileReferenceRepository stores FileReferences in badger.
type FileReferenceRepository struct {
	store *Store
}

// NewFileReferenceRepository initializes a new FileReferenceRepository.
func NewFileReferenceRepository(store *Store) *FileReferenceRepository {
	return &FileReferenceRepository{store: store}
}

// GetFileReference retrieves the reference of checksum on storage.
func (r *FileReferenceRepository) GetFileReference(ctx context.Context, storage, checksum string) (domain.FileReference, error) {
	var ref domain.FileReference
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, keyFileRef(storage, checksum), &ref)
	})
	return ref, err
}

// ListFileReferencesByChecksum returns every stored copy of checksum.
func (r *FileReferenceRepository) ListFileReferencesByChecksum(ctx context.Context, checksum string) ([]domain.FileReference, error) {
	var refs []domain.FileReference
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		prefix := keyFileRefByChecksumPrefix(checksum)
		for _, key := range keysWithPrefix(txn, prefix) {
			storage := string(bytes.TrimPrefix(key, prefix))
			var ref domain.FileReference
			if err := getJSON(txn, keyFileRef(storage, checksum), &ref); err != nil {
				return fmt.Errorf("dangling checksum index %s: %w", key, err)
			}
			refs = append(refs, ref)
		}
		return nil
	})
	return refs, err
}

// ListFileReferencesByStorage returns every reference held by storage.
func (r *FileReferenceRepository) ListFileReferencesByStorage(ctx context.Context, storage string) ([]domain.FileReference, error) {
	var refs []domain.FileReference
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyFileRefStoragePrefix(storage)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ref domain.FileReference
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return nil
	})
	return refs, err
}

// CreateFileReference stores a new reference.
func (r *FileReferenceRepository) CreateFileReference(ctx context.Context, ref domain.FileReference) (domain.FileReference, error) {
	storage, checksum := ref.Storage(), ref.Checksum()
	err := r.store.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(keyFileRef(storage, checksum))
		if err == nil {
			return fmt.Errorf("%w: file reference %s already exists", zerrors.ErrConflict, domain.NaturalKey(storage, checksum))
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		ref.Version = 1
		if err := setJSON(txn, keyFileRef(storage, checksum), ref); err != nil {
			return err
		}
		return txn.Set(keyFileRefByChecksum(checksum, storage), nil)
	})
	if err != nil {
		return domain.FileReference{}, err
	}
	return ref, nil
}

// UpdateFileReference applies fn to the stored reference in one transaction.
func (r *FileReferenceRepository) UpdateFileReference(ctx context.Context, storage, checksum string, fn func(*domain.FileReference) error) (domain.FileReference, error) {
	var updated domain.FileReference
	err := r.store.update(ctx, func(txn *badger.Txn) error {
		var ref domain.FileReference
		if err := getJSON(txn, keyFileRef(storage, checksum), &ref); err != nil {
			return err
		}
		if err := fn(&ref); err != nil {
			return err
		}
		ref.Version++
		updated = ref
		return setJSON(txn, keyFileRef(storage, checksum), ref)
	})
	if err != nil {
		return domain.FileReference{}, err
	}
	return updated, nil
}

// DeleteFileReference removes the reference and its checksum index entry.
func (r *FileReferenceRepository) DeleteFileReference(ctx context.Context, storage, checksum string) error {
	return r.store.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(keyFileRef(storage, checksum)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return zerrors.ErrNotFound
			}
			return err
		}
		if err := txn.Delete(keyFileRef(storage, checksum)); err != nil {
			return err
		}
		return deleteIgnoreMissing(txn, keyFileRefByChecksum(checksum, storage))
	})
}
