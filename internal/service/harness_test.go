package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/cache"
	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/location"
	"github.com/zzenonn/zref/internal/metrics"
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/repository/badgerdb"
	"github.com/zzenonn/zref/internal/storage"
)

// fakePlugin puts every request in one subset, except the ones whose
// checksum it is told to reject or to ignore.
type fakePlugin struct {
	prepareErr error
	reject     map[string]string
	ignore     map[string]bool
}

func fakePrepare[T domain.Request](p *fakePlugin, requests []T) (storage.Preparation, error) {
	if p.prepareErr != nil {
		return storage.Preparation{}, p.prepareErr
	}
	prep := storage.Preparation{Errors: map[string]string{}}
	var subset []string
	for _, req := range requests {
		h := req.Header()
		if cause, ok := p.reject[h.Checksum]; ok {
			prep.Errors[h.ID] = cause
			continue
		}
		if p.ignore[h.Checksum] {
			continue
		}
		subset = append(subset, h.ID)
	}
	if len(subset) > 0 {
		prep.Subsets = [][]string{subset}
	}
	return prep, nil
}

func (p *fakePlugin) PrepareForStorage(ctx context.Context, requests []*domain.StorageRequest) (storage.Preparation, error) {
	return fakePrepare(p, requests)
}

func (p *fakePlugin) PrepareForDeletion(ctx context.Context, requests []*domain.DeletionRequest) (storage.Preparation, error) {
	return fakePrepare(p, requests)
}

func (p *fakePlugin) PrepareForRestoration(ctx context.Context, requests []*domain.CacheRequest) (storage.Preparation, error) {
	return fakePrepare(p, requests)
}

func (p *fakePlugin) Store(ctx context.Context, req *domain.StorageRequest, body io.Reader) (string, error) {
	return "mem://" + req.Storage + "/" + req.Checksum, nil
}

func (p *fakePlugin) Delete(ctx context.Context, ref domain.FileReference) error {
	return nil
}

func (p *fakePlugin) Restore(ctx context.Context, ref domain.FileReference, destPath string) error {
	return nil
}

func (p *fakePlugin) Retrieve(ctx context.Context, ref domain.FileReference) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("data of " + ref.Checksum())), nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (s *fakeSubmitter) Submit(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeSubmitter) Jobs() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Job(nil), s.jobs...)
}

type harness struct {
	registry  *location.Registry
	plugins   map[string]*fakePlugin
	recorder  *notify.Recorder
	cache     *cache.Service
	clock     *testclock.Clock
	submitter *fakeSubmitter

	refs         *FileReferenceService
	ledgers      Ledgers
	availability *AvailabilityService
	admission    *AdmissionController
	dispatcher   *Dispatcher
}

func newHarness(t *testing.T) *harness {
	return newHarnessCapacity(t, 1<<20)
}

func newHarnessCapacity(t *testing.T, capacity int64) *harness {
	t.Helper()
	store, err := badgerdb.Open(badgerdb.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		registry:  location.NewRegistry(),
		plugins:   map[string]*fakePlugin{},
		recorder:  &notify.Recorder{},
		clock:     testclock.NewClock(time.Now()),
		submitter: &fakeSubmitter{},
	}
	bus := notify.NewBus(h.recorder)
	h.cache = cache.NewService(badgerdb.NewCacheFileRepository(store), t.TempDir(), capacity, h.clock)

	refs := badgerdb.NewFileReferenceRepository(store)
	storageRepo := badgerdb.NewStorageRequestRepository(store)
	deletionRepo := badgerdb.NewDeletionRequestRepository(store)
	cacheRepo := badgerdb.NewCacheRequestRepository(store)
	copyRepo := badgerdb.NewCopyRequestRepository(store)

	storageRequests := NewStorageRequestService(storageRepo, refs, deletionRepo, bus, h.clock)
	deletionRequests := NewDeletionRequestService(deletionRepo, refs, cacheRepo, storageRequests, bus, h.clock)
	cacheRequests := NewCacheRequestService(cacheRepo, h.cache, bus, h.clock)
	h.availability = NewAvailabilityService(refs, h.registry, h.cache, cacheRequests, bus, h.clock)
	copyRequests := NewCopyRequestService(copyRepo, refs, storageRequests, h.availability, h.cache, time.Hour, bus, h.clock)
	bus.Subscribe(copyRequests.HandleEvent)

	h.ledgers = Ledgers{Storage: storageRequests, Deletion: deletionRequests, Restoration: cacheRequests, Copy: copyRequests}
	h.refs = NewFileReferenceService(refs, storageRequests, deletionRequests, h.registry, bus, h.clock)
	h.admission = NewAdmissionController(h.cache, cacheRequests)
	h.dispatcher = NewDispatcher(DispatcherConfig{PageSize: 1000, RequestsPerJob: 100, Interval: time.Minute},
		h.ledgers, h.registry, h.admission, h.submitter, metrics.New(prometheus.NewRegistry()), h.clock)

	h.addLocation(t, "S1", domain.StorageTypeImmediate, 10)
	return h
}

func (h *harness) addLocation(t *testing.T, name string, typ domain.StorageType, priority int) *fakePlugin {
	t.Helper()
	plugin := &fakePlugin{}
	h.plugins[name] = plugin
	require.NoError(t, h.registry.Register(domain.StorageLocation{
		Name: name, Type: typ, Plugin: "fake", Priority: priority, Enabled: true,
	}, plugin))
	return plugin
}

func testMeta(checksum string, size int64) domain.FileReferenceMetaInfo {
	return domain.FileReferenceMetaInfo{
		Checksum:  checksum,
		Algorithm: "MD5",
		FileName:  checksum + ".dat",
		FileSize:  size,
		MimeType:  "application/octet-stream",
	}
}

func storeInput(checksum, destination string, owners ...string) StoreInput {
	return StoreInput{
		Owners:      owners,
		MetaInfo:    testMeta(checksum, 10),
		OriginURL:   "file:///incoming/" + checksum,
		Destination: destination,
	}
}

// reference stores a reference directly.
func (h *harness) reference(t *testing.T, storage, checksum string, size int64, owners ...string) domain.FileReference {
	t.Helper()
	ref, err := h.refs.Create(context.Background(), owners, testMeta(checksum, size), domain.FileLocation{
		Storage: storage,
		URL:     "mem://" + storage + "/" + checksum,
	})
	require.NoError(t, err)
	return ref
}

var errBackendDown = errors.New("backend unreachable")

func repositoryFilterChecksum(checksum string) repository.RequestFilter {
	return repository.RequestFilter{Checksums: []string{checksum}}
}
