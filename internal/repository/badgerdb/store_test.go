package badgerdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRef(storage, checksum string, owners ...string) domain.FileReference {
	return domain.FileReference{
		MetaInfo: domain.FileReferenceMetaInfo{
			Checksum:  checksum,
			Algorithm: "MD5",
			FileName:  checksum + ".dat",
			FileSize:  10,
			MimeType:  "application/octet-stream",
		},
		Location: domain.FileLocation{Storage: storage, URL: "file:///data/" + checksum},
		Owners:   owners,
	}
}

func storageRequest(storage, checksum string) *domain.StorageRequest {
	return &domain.StorageRequest{
		RequestHeader: domain.RequestHeader{Storage: storage, Checksum: checksum, Owners: []string{"u1"}},
		MetaInfo:      testRef(storage, checksum).MetaInfo,
	}
}

func TestFileReferenceRepository_CreateAndIndex(t *testing.T) {
	ctx := context.Background()
	repo := NewFileReferenceRepository(newTestStore(t))

	_, err := repo.CreateFileReference(ctx, testRef("s1", "abc", "u1"))
	require.NoError(t, err)
	_, err = repo.CreateFileReference(ctx, testRef("s2", "abc", "u2"))
	require.NoError(t, err)
	_, err = repo.CreateFileReference(ctx, testRef("s1", "def", "u3"))
	require.NoError(t, err)

	_, err = repo.CreateFileReference(ctx, testRef("s1", "abc", "u9"))
	assert.ErrorIs(t, err, zerrors.ErrConflict)

	refs, err := repo.ListFileReferencesByChecksum(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	refs, err = repo.ListFileReferencesByStorage(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	require.NoError(t, repo.DeleteFileReference(ctx, "s2", "abc"))
	refs, err = repo.ListFileReferencesByChecksum(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "s1", refs[0].Storage())

	assert.ErrorIs(t, repo.DeleteFileReference(ctx, "s2", "abc"), zerrors.ErrNotFound)
}

func TestFileReferenceRepository_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewFileReferenceRepository(newTestStore(t))
	_, err := repo.CreateFileReference(ctx, testRef("s1", "abc", "u1"))
	require.NoError(t, err)

	updated, err := repo.UpdateFileReference(ctx, "s1", "abc", func(ref *domain.FileReference) error {
		ref.AddOwner("u2")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, updated.Owners)
	assert.Equal(t, int64(2), updated.Version)

	_, err = repo.UpdateFileReference(ctx, "s1", "abc", func(ref *domain.FileReference) error {
		ref.AddOwner("u3")
		return zerrors.ErrInvalidStatus
	})
	assert.ErrorIs(t, err, zerrors.ErrInvalidStatus)

	stored, err := repo.GetFileReference(ctx, "s1", "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, stored.Owners)

	_, err = repo.UpdateFileReference(ctx, "s1", "missing", func(*domain.FileReference) error { return nil })
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}

func TestRequestRepository_NaturalKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewStorageRequestRepository(newTestStore(t))

	created, err := repo.CreateRequest(ctx, storageRequest("s1", "abc"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.StatusTodo, created.Status)

	_, err = repo.CreateRequest(ctx, storageRequest("s1", "abc"))
	assert.ErrorIs(t, err, zerrors.ErrConflict)

	found, err := repo.FindByNaturalKey(ctx, domain.NaturalKey("s1", "abc"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	require.NoError(t, repo.DeleteRequest(ctx, created.ID))
	_, err = repo.FindByNaturalKey(ctx, domain.NaturalKey("s1", "abc"))
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}

func TestRequestRepository_StoragesAndPages(t *testing.T) {
	ctx := context.Background()
	repo := NewStorageRequestRepository(newTestStore(t))

	for _, storage := range []string{"s1", "s10", "s2"} {
		for _, checksum := range []string{"a", "b", "c"} {
			_, err := repo.CreateRequest(ctx, storageRequest(storage, checksum))
			require.NoError(t, err)
		}
	}

	storages, err := repo.ListStorages(ctx, domain.StatusTodo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s10", "s2"}, storages)

	first, err := repo.ListPage(ctx, "s1", domain.StatusTodo, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Checksum)
	assert.Equal(t, "b", first[1].Checksum)

	second, err := repo.ListPage(ctx, "s1", domain.StatusTodo, first[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "c", second[0].Checksum)

	pending, err := repo.ListStorages(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRequestRepository_TransitionIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := NewStorageRequestRepository(newTestStore(t))

	a, err := repo.CreateRequest(ctx, storageRequest("s1", "a"))
	require.NoError(t, err)
	b, err := repo.CreateRequest(ctx, storageRequest("s1", "b"))
	require.NoError(t, err)

	claimed, err := repo.TransitionRequests(ctx, []string{a.ID}, []domain.RequestStatus{domain.StatusTodo}, func(r *domain.StorageRequest) {
		r.Status = domain.StatusPending
		r.JobID = "job-1"
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// a is already PENDING so the whole transition is refused and b stays TODO.
	_, err = repo.TransitionRequests(ctx, []string{b.ID, a.ID}, []domain.RequestStatus{domain.StatusTodo}, func(r *domain.StorageRequest) {
		r.Status = domain.StatusPending
	})
	assert.ErrorIs(t, err, zerrors.ErrConflict)

	stored, err := repo.GetRequest(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, stored.Status)

	todo, err := repo.ListPage(ctx, "s1", domain.StatusTodo, 0, 10)
	require.NoError(t, err)
	assert.Len(t, todo, 1)
	inFlight, err := repo.ListPage(ctx, "s1", domain.StatusPending, 0, 10)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, "job-1", inFlight[0].JobID)
}

func TestRequestRepository_DeleteRequestIf(t *testing.T) {
	ctx := context.Background()
	repo := NewDeletionRequestRepository(newTestStore(t))
	idle := []domain.RequestStatus{domain.StatusTodo, domain.StatusError}

	req, err := repo.CreateRequest(ctx, &domain.DeletionRequest{
		RequestHeader: domain.RequestHeader{Storage: "s1", Checksum: "a", Status: domain.StatusTodo},
	})
	require.NoError(t, err)
	_, err = repo.TransitionRequests(ctx, []string{req.ID}, []domain.RequestStatus{domain.StatusTodo}, func(r *domain.DeletionRequest) {
		r.Status = domain.StatusPending
	})
	require.NoError(t, err)

	err = repo.DeleteRequestIf(ctx, req.ID, idle)
	assert.ErrorIs(t, err, zerrors.ErrConflict)
	held, err := repo.FindByNaturalKey(ctx, domain.NaturalKey("s1", "a"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, held.Status)

	_, err = repo.TransitionRequests(ctx, []string{req.ID}, []domain.RequestStatus{domain.StatusPending}, func(r *domain.DeletionRequest) {
		r.Status = domain.StatusError
	})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteRequestIf(ctx, req.ID, idle))
	_, err = repo.FindByNaturalKey(ctx, domain.NaturalKey("s1", "a"))
	assert.ErrorIs(t, err, zerrors.ErrNotFound)

	err = repo.DeleteRequestIf(ctx, req.ID, idle)
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}

func TestRequestRepository_SearchAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewDeletionRequestRepository(newTestStore(t))

	for i, checksum := range []string{"a", "b", "c"} {
		req := &domain.DeletionRequest{
			RequestHeader: domain.RequestHeader{Storage: "s1", Checksum: checksum, Owners: []string{"owner"}},
			ForceDelete:   i == 0,
		}
		if i == 2 {
			req.Status = domain.StatusError
			req.ErrorCause = "boom"
		}
		_, err := repo.CreateRequest(ctx, req)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter repository.RequestFilter
		want   int
	}{
		{name: "all", filter: repository.RequestFilter{}, want: 3},
		{name: "by status", filter: repository.RequestFilter{Statuses: []domain.RequestStatus{domain.StatusError}}, want: 1},
		{name: "by checksum", filter: repository.RequestFilter{Checksums: []string{"a", "b"}}, want: 2},
		{name: "by owner", filter: repository.RequestFilter{Owner: "owner"}, want: 3},
		{name: "other storage", filter: repository.RequestFilter{Storage: "s2"}, want: 0},
		{name: "created before", filter: repository.RequestFilter{CreatedBefore: time.Now().Add(-time.Hour)}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := repo.SearchRequests(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, found, tt.want)
		})
	}

	deleted, err := repo.DeleteRequests(ctx, repository.RequestFilter{Statuses: []domain.RequestStatus{domain.StatusTodo}})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	storages, err := repo.ListStorages(ctx, domain.StatusTodo)
	require.NoError(t, err)
	assert.Empty(t, storages)
}

func TestCacheFileRepository_ExpiryIndex(t *testing.T) {
	ctx := context.Background()
	repo := NewCacheFileRepository(newTestStore(t))
	now := time.Now()

	for i, checksum := range []string{"old", "recent", "future"} {
		expiry := now.Add(time.Duration(i-2) * time.Hour)
		_, err := repo.UpsertCacheFile(ctx, checksum, func(cf *domain.CacheFile, exists bool) error {
			assert.False(t, exists)
			cf.FileSize = 100
			cf.ExpirationDate = expiry
			return nil
		})
		require.NoError(t, err)
	}

	// Moving "future" into the past must reindex it.
	_, err := repo.UpsertCacheFile(ctx, "future", func(cf *domain.CacheFile, exists bool) error {
		assert.True(t, exists)
		cf.ExpirationDate = now.Add(-30 * time.Minute)
		return nil
	})
	require.NoError(t, err)

	expired, err := repo.ListExpiredCacheFiles(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 3)
	assert.Equal(t, "old", expired[0].Checksum)

	limited, err := repo.ListExpiredCacheFiles(ctx, now.Add(-90*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	total, err := repo.TotalCacheSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)

	require.NoError(t, repo.DeleteCacheFile(ctx, "old"))
	_, err = repo.GetCacheFile(ctx, "old")
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}
