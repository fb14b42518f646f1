package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
)

func TestCopyRequestService_Create(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "S1", "abc", 10, "u1")

	_, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "nope", Destination: "S2"}, "")
	assert.ErrorIs(t, err, zerrors.ErrNothingToCopy)
	_, err = h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc"}, "")
	assert.ErrorIs(t, err, zerrors.ErrMissingRequiredFields)

	req, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2"}, "g1")
	require.NoError(t, err)
	assert.Equal(t, "S2", req.Storage)
	assert.Equal(t, []string{"u1"}, req.Owners, "owners default to the source owners")
	assert.Equal(t, "abc.dat", req.MetaInfo.FileName)

	again, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2", Owners: []string{"u2"}}, "g2")
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)
	assert.Equal(t, []string{"u1", "u2"}, again.Owners)
	assert.Equal(t, []string{"g1", "g2"}, again.GroupIDs)
}

func TestCopyRequestService_DestinationAlreadyHoldsFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "S1", "abc", 10, "u1")
	h.reference(t, "S2", "abc", 10, "u1")

	req, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2", Owners: []string{"u3"}}, "g1")
	require.NoError(t, err)
	assert.Nil(t, req)

	ref, err := h.refs.FindByStorageAndChecksum(ctx, "S2", "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ref.Owners)
	copied := h.recorder.OfType(domain.EventCopied)
	require.Len(t, copied, 1)
	assert.Equal(t, []string{"g1"}, copied[0].GroupIDs)
	assert.Equal(t, "mem://S2/abc", copied[0].Location)
}

func TestCopyRequestService_DestinationBeingDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "S1", "abc", 10, "u1")
	h.reference(t, "S2", "abc", 10, "u2")
	require.NoError(t, h.refs.RemoveOwner(ctx, "abc", "S2", "u2", false))

	req, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2"}, "g1")
	require.NoError(t, err)
	require.NotNil(t, req, "an owner-less copy does not count as copied")
	assert.Equal(t, "S2", req.Storage)
	assert.Equal(t, []string{"u1"}, req.Owners)
	assert.Empty(t, h.recorder.OfType(domain.EventCopied))

	h.reference(t, "S1", "def", 10, "u3")
	require.NoError(t, h.refs.RemoveOwner(ctx, "def", "S1", "u3", false))
	_, err = h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "def", Destination: "S2"}, "")
	assert.ErrorIs(t, err, zerrors.ErrNothingToCopy)
}

func TestCopyRequestService_FromImmediateLocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "S1", "abc", 10, "u1")

	copyReq, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2", SubDirectory: "backup"}, "g1")
	require.NoError(t, err)
	report, err := h.dispatcher.ScheduleJobs(ctx, domain.KindCopy, domain.StatusTodo)
	require.NoError(t, err)
	require.Equal(t, 1, report.Jobs)

	require.NoError(t, h.ledgers.Copy.StartCopies(ctx, h.submitter.Jobs()[0].RequestIDs))
	started, err := h.ledgers.Copy.Get(ctx, copyReq.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, started.CacheGroupID)
	assert.NotEmpty(t, started.StorageGroupID)

	// The file is readable on S1 right away, so phase two is queued.
	stores, err := h.ledgers.Storage.Search(ctx, repository.RequestFilter{Storage: "S2"})
	require.NoError(t, err)
	require.Len(t, stores, 1)
	store := stores[0]
	assert.Equal(t, "mem://S1/abc", store.OriginURL)
	assert.Equal(t, "backup", store.SubDirectory)
	assert.Equal(t, []string{started.StorageGroupID}, store.GroupIDs)
	assert.Equal(t, []string{"u1"}, store.Owners)

	require.NoError(t, h.ledgers.Storage.HandleSuccess(ctx, store.ID, "mem://S2/backup/abc", 10))

	_, err = h.ledgers.Copy.Get(ctx, copyReq.ID)
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
	ref, err := h.refs.FindByStorageAndChecksum(ctx, "S2", "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ref.Owners)
	copied := h.recorder.OfType(domain.EventCopied)
	require.Len(t, copied, 1)
	assert.Equal(t, "S2", copied[0].Storage)
	assert.Equal(t, []string{"g1"}, copied[0].GroupIDs)
	assert.Equal(t, "mem://S2/backup/abc", copied[0].Location)
}

func TestCopyRequestService_FromRestorationLocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "tape", domain.StorageTypeRestoration, 30)
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "tape", "abc", 4, "u1")

	copyReq, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2"}, "")
	require.NoError(t, err)
	_, err = h.dispatcher.ScheduleJobs(ctx, domain.KindCopy, domain.StatusTodo)
	require.NoError(t, err)
	require.NoError(t, h.ledgers.Copy.StartCopies(ctx, []string{copyReq.ID}))

	restorations, err := h.ledgers.Restoration.Search(ctx, repositoryFilterChecksum("abc"))
	require.NoError(t, err)
	require.Len(t, restorations, 1)
	stores, err := h.ledgers.Storage.Search(ctx, repository.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, stores, "nothing is stored before the file is restored")

	path := h.cache.FilePath("abc")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("tape"), 0o600))
	require.NoError(t, h.ledgers.Restoration.HandleSuccess(ctx, restorations[0].ID))

	stores, err = h.ledgers.Storage.Search(ctx, repository.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, "file://"+filepath.ToSlash(path), stores[0].OriginURL)

	require.NoError(t, h.ledgers.Storage.HandleSuccess(ctx, stores[0].ID, "mem://S2/abc", 4))
	_, err = h.cache.Get(ctx, "abc")
	assert.ErrorIs(t, err, zerrors.ErrNotFound, "the staged copy is released")
	assert.Len(t, h.recorder.OfType(domain.EventCopied), 1)
}

func TestCopyRequestService_Failures(t *testing.T) {
	tests := []struct {
		name    string
		started bool
		fail    func(t *testing.T, h *harness, copyReq *domain.CopyRequest)
	}{
		{
			name:    "storage fails",
			started: true,
			fail: func(t *testing.T, h *harness, copyReq *domain.CopyRequest) {
				stores, err := h.ledgers.Storage.Search(context.Background(), repository.RequestFilter{})
				require.NoError(t, err)
				require.Len(t, stores, 1)
				require.NoError(t, h.ledgers.Storage.HandleFailure(context.Background(), stores[0].ID, "disk full"))
			},
		},
		{
			name: "source vanishes",
			fail: func(t *testing.T, h *harness, copyReq *domain.CopyRequest) {
				require.NoError(t, h.registry.SetEnabled("S1", false))
				require.NoError(t, h.ledgers.Copy.StartCopies(context.Background(), []string{copyReq.ID}))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
			h.reference(t, "S1", "abc", 10, "u1")

			copyReq, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2"}, "")
			require.NoError(t, err)
			_, err = h.dispatcher.ScheduleJobs(ctx, domain.KindCopy, domain.StatusTodo)
			require.NoError(t, err)
			if tt.started {
				require.NoError(t, h.ledgers.Copy.StartCopies(ctx, []string{copyReq.ID}))
			}
			tt.fail(t, h, copyReq)

			failed, err := h.ledgers.Copy.Get(ctx, copyReq.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusError, failed.Status)
			assert.NotEmpty(t, failed.ErrorCause)
			assert.Len(t, h.recorder.OfType(domain.EventCopyError), 1)
			assert.Empty(t, h.recorder.OfType(domain.EventCopied))

			// Errored copies can be retried.
			retried, err := h.ledgers.Copy.Retry(ctx, copyReq.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusTodo, retried.Status)
		})
	}
}

func TestCopyRequestService_StartSkipsUnclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "S1", "abc", 10, "u1")
	copyReq, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2"}, "")
	require.NoError(t, err)

	require.NoError(t, h.ledgers.Copy.StartCopies(ctx, []string{copyReq.ID, "missing"}))
	todo, err := h.ledgers.Copy.Get(ctx, copyReq.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, todo.Status)
	assert.Empty(t, todo.CacheGroupID)
}
