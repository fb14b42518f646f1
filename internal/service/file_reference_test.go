package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
)

func TestFileReferenceService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loc := domain.FileLocation{Storage: "S1", URL: "mem://S1/abc"}

	tests := []struct {
		name    string
		owners  []string
		meta    func(m *domain.FileReferenceMetaInfo)
		wantErr error
	}{
		{name: "no owners", wantErr: zerrors.ErrEmptyOwners},
		{name: "no checksum", owners: []string{"u1"}, meta: func(m *domain.FileReferenceMetaInfo) { m.Checksum = "" }, wantErr: zerrors.ErrMissingRequiredFields},
		{name: "no algorithm", owners: []string{"u1"}, meta: func(m *domain.FileReferenceMetaInfo) { m.Algorithm = "" }, wantErr: zerrors.ErrMissingRequiredFields},
		{name: "no file name", owners: []string{"u1"}, meta: func(m *domain.FileReferenceMetaInfo) { m.FileName = "" }, wantErr: zerrors.ErrMissingRequiredFields},
		{name: "no mime type", owners: []string{"u1"}, meta: func(m *domain.FileReferenceMetaInfo) { m.MimeType = "" }, wantErr: zerrors.ErrMissingRequiredFields},
		{name: "no size", owners: []string{"u1"}, meta: func(m *domain.FileReferenceMetaInfo) { m.FileSize = 0 }, wantErr: zerrors.ErrMissingRequiredFields},
		{name: "valid", owners: []string{"u1", "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := testMeta("abc", 10)
			if tt.meta != nil {
				tt.meta(&meta)
			}
			ref, err := h.refs.Create(ctx, tt.owners, meta, loc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"u1"}, ref.Owners)
		})
	}
}

func TestStorageRequestService_OwnerMergeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ledgers.Storage.Create(ctx, storeInput("abc", "S1", "u1"))
	require.NoError(t, err)
	again, err := h.ledgers.Storage.Create(ctx, storeInput("abc", "S1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []string{"u1"}, again.Owners)

	other := storeInput("abc", "S1", "u2")
	other.MetaInfo.FileName = "renamed.dat"
	grown, err := h.ledgers.Storage.Create(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, grown.Owners)
	assert.Equal(t, "abc.dat", grown.MetaInfo.FileName, "previous metadata wins")

	all, err := h.ledgers.Storage.Search(ctx, repository.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileReferenceService_ReferenceCounting(t *testing.T) {
	tests := []struct {
		name         string
		storage      string
		configure    func(t *testing.T, h *harness)
		wantDeletion bool
	}{
		{name: "enabled location", storage: "S1", wantDeletion: true},
		{name: "unknown location", storage: "gone"},
		{
			name:    "disabled location",
			storage: "S2",
			configure: func(t *testing.T, h *harness) {
				h.addLocation(t, "S2", domain.StorageTypeImmediate, 1)
				require.NoError(t, h.registry.SetEnabled("S2", false))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			if tt.configure != nil {
				tt.configure(t, h)
			}
			h.reference(t, tt.storage, "abc", 10, "A", "B")

			require.NoError(t, h.refs.RemoveOwner(ctx, "abc", tt.storage, "A", false))
			ref, err := h.refs.FindByStorageAndChecksum(ctx, tt.storage, "abc")
			require.NoError(t, err)
			assert.Equal(t, []string{"B"}, ref.Owners)

			require.NoError(t, h.refs.RemoveOwner(ctx, "abc", tt.storage, "B", false))
			deletions, err := h.ledgers.Deletion.Search(ctx, repository.RequestFilter{})
			require.NoError(t, err)
			_, err = h.refs.FindByStorageAndChecksum(ctx, tt.storage, "abc")
			if tt.wantDeletion {
				assert.Len(t, deletions, 1)
				assert.NoError(t, err, "the reference stays until the deletion completes")
			} else {
				assert.Empty(t, deletions)
				assert.ErrorIs(t, err, zerrors.ErrNotFound)
				assert.Len(t, h.recorder.OfType(domain.EventFullyDeleted), 1)
			}
			assert.Len(t, h.recorder.OfType(domain.EventDeletedForOwner), 2)
		})
	}
}

func TestFileReferenceService_RemoveAbsentOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reference(t, "S1", "abc", 10, "A")

	require.NoError(t, h.refs.RemoveOwner(ctx, "abc", "S1", "nobody", false))
	assert.Len(t, h.recorder.OfType(domain.EventOwnerNotFound), 1)
	assert.Empty(t, h.recorder.OfType(domain.EventDeletedForOwner))

	err := h.refs.RemoveOwner(ctx, "missing", "S1", "A", false)
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}

func TestFileReferenceService_AddFileReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reference(t, "S1", "abc", 10, "A")

	// Already referenced: owners merge, nothing is queued.
	req, err := h.refs.AddFileReference(ctx, storeInput("abc", "S1", "B"))
	require.NoError(t, err)
	assert.Nil(t, req)
	ref, err := h.refs.FindByStorageAndChecksum(ctx, "S1", "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ref.Owners)
	assert.Len(t, h.recorder.OfType(domain.EventStored), 1)

	// Already in place: referenced directly.
	in := storeInput("def", "S1", "A")
	in.OriginStorage = "S1"
	in.OriginURL = "mem://S1/def"
	req, err = h.refs.AddFileReference(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, req)
	ref, err = h.refs.FindByStorageAndChecksum(ctx, "S1", "def")
	require.NoError(t, err)
	assert.Equal(t, "mem://S1/def", ref.Location.URL)

	// Elsewhere: a storage request.
	req, err = h.refs.AddFileReference(ctx, storeInput("ghi", "S1", "A"))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, domain.StatusTodo, req.Status)
	_, err = h.refs.FindByStorageAndChecksum(ctx, "S1", "ghi")
	assert.ErrorIs(t, err, zerrors.ErrNotFound)

	_, err = h.refs.AddFileReference(ctx, storeInput("jkl", "S1"))
	assert.ErrorIs(t, err, zerrors.ErrEmptyOwners)
}

func TestFileReferenceService_AddCancelsIdleDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reference(t, "S1", "abc", 10, "A")
	require.NoError(t, h.refs.RemoveOwner(ctx, "abc", "S1", "A", false))

	req, err := h.refs.AddFileReference(ctx, storeInput("abc", "S1", "B"))
	require.NoError(t, err)
	assert.Nil(t, req)

	deletions, err := h.ledgers.Deletion.Search(ctx, repository.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, deletions)
	ref, err := h.refs.FindByStorageAndChecksum(ctx, "S1", "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ref.Owners)
}

func TestFileReferenceService_StoreDelayedBehindRunningDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reference(t, "S1", "abc", 10, "A")
	require.NoError(t, h.refs.RemoveOwner(ctx, "abc", "S1", "A", false))

	report, err := h.dispatcher.ScheduleJobs(ctx, domain.KindDeletion, domain.StatusTodo)
	require.NoError(t, err)
	require.Equal(t, 1, report.Jobs)
	deletionID := h.submitter.Jobs()[0].RequestIDs[0]

	req, err := h.refs.AddFileReference(ctx, storeInput("abc", "S1", "B"))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, domain.StatusDelayed, req.Status)

	// DELAYED requests are never dispatched.
	report, err = h.dispatcher.ScheduleJobs(ctx, domain.KindStorage, domain.StatusTodo)
	require.NoError(t, err)
	assert.Zero(t, report.Jobs)

	require.NoError(t, h.ledgers.Deletion.HandleSuccess(ctx, deletionID))
	promoted, err := h.ledgers.Storage.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, promoted.Status)
	_, err = h.refs.FindByStorageAndChecksum(ctx, "S1", "abc")
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}
