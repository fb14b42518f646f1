package service

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/storage"
)

func pendingIDs(t *testing.T, h *harness) []string {
	t.Helper()
	pending, err := h.ledgers.Storage.Search(context.Background(), repository.RequestFilter{
		Statuses: []domain.RequestStatus{domain.StatusPending},
	})
	require.NoError(t, err)
	out := ids(pending)
	slices.Sort(out)
	return out
}

func TestDispatcher_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := storeInput("abc123", "S1", "u1")
	req, err := h.refs.AddFileReference(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, domain.StatusTodo, req.Status)

	report, err := h.dispatcher.ScheduleJobs(ctx, domain.KindStorage, domain.StatusTodo)
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Dispatched: 1, Jobs: 1}, report)
	jobs := h.submitter.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{req.ID}, jobs[0].RequestIDs)

	claimed, err := h.ledgers.Storage.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, claimed.Status)
	assert.Equal(t, jobs[0].ID, claimed.JobID)

	require.NoError(t, h.ledgers.Storage.HandleSuccess(ctx, req.ID, "mem://S1/abc123", 10))
	ref, err := h.refs.FindByStorageAndChecksum(ctx, "S1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ref.Owners)
	assert.Equal(t, "mem://S1/abc123", ref.Location.URL)
	_, err = h.ledgers.Storage.Get(ctx, req.ID)
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
	stored := h.recorder.OfType(domain.EventStored)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"u1"}, stored[0].Owners)

	require.NoError(t, h.refs.RemoveOwner(ctx, "abc123", "S1", "u1", false))
	report, err = h.dispatcher.ScheduleJobs(ctx, domain.KindDeletion, domain.StatusTodo)
	require.NoError(t, err)
	require.Equal(t, 1, report.Jobs)
	deletion := h.submitter.Jobs()[1]
	assert.Equal(t, domain.KindDeletion, deletion.Kind)

	require.NoError(t, h.ledgers.Deletion.HandleSuccess(ctx, deletion.RequestIDs[0]))
	_, err = h.refs.FindByStorageAndChecksum(ctx, "S1", "abc123")
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
	assert.Len(t, h.recorder.OfType(domain.EventFullyDeleted), 1)
}

func TestDispatcher_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, cs := range []string{"a1", "a2", "a3"} {
		_, err := h.ledgers.Storage.Create(ctx, storeInput(cs, "S1", "u1"))
		require.NoError(t, err)
	}

	first := h.dispatcher.RunOnce(ctx)
	assert.Equal(t, 3, first.Dispatched)
	afterFirst := pendingIDs(t, h)

	second := h.dispatcher.RunOnce(ctx)
	assert.Equal(t, DispatchReport{}, second)
	assert.Equal(t, afterFirst, pendingIDs(t, h))
	assert.Len(t, h.submitter.Jobs(), 1)
}

func TestDispatcher_FailFastOnUnknownStorage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ghost := domain.FileReference{MetaInfo: testMeta("g2", 10), Location: domain.FileLocation{Storage: "ghost", URL: "mem://ghost/g2"}}

	storeReq, err := h.ledgers.Storage.Create(ctx, storeInput("g1", "ghost", "u1"))
	require.NoError(t, err)
	deleteReq, err := h.ledgers.Deletion.Create(ctx, ghost, false, "")
	require.NoError(t, err)
	restoreReq, err := h.ledgers.Restoration.Create(ctx, ghost, h.clock.Now().Add(time.Hour), "")
	require.NoError(t, err)
	h.reference(t, "S1", "g4", 10, "u1")
	copyReq, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "g4", Destination: "ghost"}, "")
	require.NoError(t, err)
	healthy, err := h.ledgers.Storage.Create(ctx, storeInput("ok", "S1", "u1"))
	require.NoError(t, err)

	report := h.dispatcher.RunOnce(ctx)
	assert.Equal(t, 4, report.Errored)
	assert.Equal(t, 1, report.Jobs)
	for _, job := range h.submitter.Jobs() {
		assert.Equal(t, "S1", job.Storage)
	}

	want := UnknownStorageCause("ghost")
	headers := []func() (*domain.RequestHeader, error){
		func() (*domain.RequestHeader, error) {
			r, err := h.ledgers.Storage.Get(ctx, storeReq.ID)
			return header(r, err)
		},
		func() (*domain.RequestHeader, error) {
			r, err := h.ledgers.Deletion.Get(ctx, deleteReq.ID)
			return header(r, err)
		},
		func() (*domain.RequestHeader, error) {
			r, err := h.ledgers.Restoration.Get(ctx, restoreReq.ID)
			return header(r, err)
		},
		func() (*domain.RequestHeader, error) {
			r, err := h.ledgers.Copy.Get(ctx, copyReq.ID)
			return header(r, err)
		},
	}
	for i, get := range headers {
		hdr, err := get()
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, hdr.Status, "ledger %d", i)
		assert.Equal(t, want, hdr.ErrorCause, "ledger %d", i)
	}

	ok, err := h.ledgers.Storage.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ok.Status)

	assert.Len(t, h.recorder.OfType(domain.EventStoreError), 1)
	assert.Len(t, h.recorder.OfType(domain.EventDeletionError), 1)
	assert.Len(t, h.recorder.OfType(domain.EventAvailabilityError), 1)
	assert.Len(t, h.recorder.OfType(domain.EventCopyError), 1)
}

func header[T domain.Request](req T, err error) (*domain.RequestHeader, error) {
	if err != nil {
		return nil, err
	}
	return req.Header(), nil
}

func TestDispatcher_PluginOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		plugin     fakePlugin
		submitErr  error
		wantJobs   int
		wantCauses map[string]string
	}{
		{
			name:       "plugin failure errors the page",
			plugin:     fakePlugin{prepareErr: errBackendDown},
			wantCauses: map[string]string{"c1": errBackendDown.Error(), "c2": errBackendDown.Error(), "c3": errBackendDown.Error()},
		},
		{
			name:       "rejected and unhandled requests",
			plugin:     fakePlugin{reject: map[string]string{"c1": "too big"}, ignore: map[string]bool{"c2": true}},
			wantJobs:   1,
			wantCauses: map[string]string{"c1": "too big", "c2": storage.UnhandledCause},
		},
		{
			name:       "submission failure",
			submitErr:  errBackendDown,
			wantCauses: map[string]string{"c1": "Failed to submit job: " + errBackendDown.Error()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			*h.plugins["S1"] = tt.plugin
			h.submitter.err = tt.submitErr

			byChecksum := map[string]string{}
			for _, cs := range []string{"c1", "c2", "c3"} {
				req, err := h.ledgers.Storage.Create(ctx, storeInput(cs, "S1", "u1"))
				require.NoError(t, err)
				byChecksum[cs] = req.ID
			}

			_, err := h.dispatcher.ScheduleJobs(ctx, domain.KindStorage, domain.StatusTodo)
			require.NoError(t, err)
			assert.Len(t, h.submitter.Jobs(), tt.wantJobs)

			for cs, id := range byChecksum {
				req, err := h.ledgers.Storage.Get(ctx, id)
				require.NoError(t, err)
				if cause, ok := tt.wantCauses[cs]; ok {
					assert.Equal(t, domain.StatusError, req.Status, cs)
					assert.Equal(t, cause, req.ErrorCause, cs)
				} else if tt.submitErr != nil {
					assert.Equal(t, domain.StatusError, req.Status, cs)
				} else {
					assert.Equal(t, domain.StatusPending, req.Status, cs)
				}
			}
		})
	}
}

func TestDispatcher_AdmissionHoldsRestorations(t *testing.T) {
	h := newHarnessCapacity(t, 100)
	ctx := context.Background()
	h.addLocation(t, "tape", domain.StorageTypeRestoration, 1)
	for _, cs := range []string{"r1", "r2", "r3"} {
		h.reference(t, "tape", cs, 40, "u1")
	}
	report, err := h.availability.MakeAvailable(ctx, []string{"r1", "r2", "r3"}, h.clock.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.Len(t, report.Restoring, 3)

	first, err := h.dispatcher.ScheduleJobs(ctx, domain.KindRestoration, domain.StatusTodo)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Dispatched)
	assert.Equal(t, 1, first.Deferred)

	// The two running restorations now count as pending.
	second, err := h.dispatcher.ScheduleJobs(ctx, domain.KindRestoration, domain.StatusTodo)
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Deferred: 1}, second)

	todo, err := h.ledgers.Restoration.Search(ctx, repository.RequestFilter{Statuses: []domain.RequestStatus{domain.StatusTodo}})
	require.NoError(t, err)
	require.Len(t, todo, 1)
	assert.Equal(t, "r3", todo[0].Checksum)
}

func TestDispatcher_DeletionWaitsForRunningCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addLocation(t, "S2", domain.StorageTypeImmediate, 5)
	h.reference(t, "S1", "abc", 10, "u1")

	_, err := h.ledgers.Copy.Create(ctx, CopyInput{Checksum: "abc", Destination: "S2"}, "")
	require.NoError(t, err)
	report, err := h.dispatcher.ScheduleJobs(ctx, domain.KindCopy, domain.StatusTodo)
	require.NoError(t, err)
	require.Equal(t, 1, report.Jobs)

	require.NoError(t, h.refs.RemoveOwner(ctx, "abc", "S1", "u1", false))
	report, err = h.dispatcher.ScheduleJobs(ctx, domain.KindDeletion, domain.StatusTodo)
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Deferred: 1}, report)
}

func TestDispatcher_RejectsUndispatchableStatus(t *testing.T) {
	h := newHarness(t)
	for _, status := range []domain.RequestStatus{domain.StatusPending, domain.StatusDelayed} {
		_, err := h.dispatcher.ScheduleJobs(context.Background(), domain.KindStorage, status)
		assert.ErrorIs(t, err, zerrors.ErrInvalidStatus)
	}
}

func TestDispatcher_Paging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.cfg.PageSize = 2
	for i := 0; i < 5; i++ {
		_, err := h.ledgers.Storage.Create(ctx, storeInput(fmt.Sprintf("p%d", i), "S1", "u1"))
		require.NoError(t, err)
	}

	report, err := h.dispatcher.ScheduleJobs(ctx, domain.KindStorage, domain.StatusTodo)
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Dispatched: 5, Jobs: 3}, report)
}

func TestDispatcher_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledgers.Storage.Create(ctx, storeInput("abc", "S1", "u1"))
	require.NoError(t, err)

	h.dispatcher.Start(ctx)
	require.NoError(t, h.clock.WaitAdvance(time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool { return len(h.submitter.Jobs()) == 1 }, time.Second, 10*time.Millisecond)
	h.dispatcher.Stop()
	h.dispatcher.Stop()
}

// unclaimable refuses to move requests out of TODO, as a backend that is down
// or rejects the transaction would.
type unclaimable struct {
	repository.RequestRepository[*domain.StorageRequest]
}

func (r unclaimable) TransitionRequests(ctx context.Context, ids []string, from []domain.RequestStatus, fn func(*domain.StorageRequest)) ([]*domain.StorageRequest, error) {
	if slices.Equal(from, []domain.RequestStatus{domain.StatusTodo}) {
		return nil, errBackendDown
	}
	return r.RequestRepository.TransitionRequests(ctx, ids, from, fn)
}

func TestDispatcher_ClaimFailureErrorsSubset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.ledgers.Storage.Create(ctx, storeInput("abc", "S1", "u1"))
	require.NoError(t, err)
	h.ledgers.Storage.repo = unclaimable{RequestRepository: h.ledgers.Storage.repo}

	report, err := h.dispatcher.ScheduleJobs(ctx, domain.KindStorage, domain.StatusTodo)
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Errored: 1}, report)
	assert.Empty(t, h.submitter.Jobs())

	failed, err := h.ledgers.Storage.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, failed.Status)
	assert.Contains(t, failed.ErrorCause, errBackendDown.Error())
}

func TestNewDispatcher_CapsRequestsPerJob(t *testing.T) {
	for _, perJob := range []int{0, 250} {
		d := NewDispatcher(DispatcherConfig{RequestsPerJob: perJob}, Ledgers{}, nil, nil, nil, nil, nil)
		assert.Equal(t, maxJobRequests, d.cfg.RequestsPerJob)
	}
}
