package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/metrics"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/storage"
)

// maxJobRequests is the most requests one job claims. A claim is one atomic
// transition and DynamoDB transactions hold at most 100 items.
const maxJobRequests = 100

// DispatcherConfig tunes the scheduling passes.
type DispatcherConfig struct {
	PageSize       int
	RequestsPerJob int
	Interval       time.Duration
}

// Ledgers groups the four request ledgers.
type Ledgers struct {
	Storage     *StorageRequestService
	Deletion    *DeletionRequestService
	Restoration *CacheRequestService
	Copy        *CopyRequestService
}

// DispatchReport counts what one pass did.
type DispatchReport struct {
	Dispatched int `json:"dispatched" yaml:"dispatched"`
	Errored    int `json:"errored" yaml:"errored"`
	Deferred   int `json:"deferred" yaml:"deferred"`
	Jobs       int `json:"jobs" yaml:"jobs"`
}

func (r *DispatchReport) add(o DispatchReport) {
	r.Dispatched += o.Dispatched
	r.Errored += o.Errored
	r.Deferred += o.Deferred
	r.Jobs += o.Jobs
}

// Dispatcher turns queued requests into jobs. A pass pages through the
// requests of one ledger and status, storage by storage; each page is split
// into working subsets by the storage's plugin and every subset is claimed
// and handed to the JobSubmitter as one job.
type Dispatcher struct {
	cfg       DispatcherConfig
	ledgers   Ledgers
	locations Locations
	admission *AdmissionController
	submitter JobSubmitter
	metrics   *metrics.Metrics
	clock     clock.Clock

	// passes never overlap
	passMu sync.Mutex

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, ledgers Ledgers, locations Locations, admission *AdmissionController, submitter JobSubmitter, m *metrics.Metrics, clk clock.Clock) *Dispatcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.RequestsPerJob <= 0 || cfg.RequestsPerJob > maxJobRequests {
		cfg.RequestsPerJob = maxJobRequests
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Dispatcher{
		cfg:       cfg,
		ledgers:   ledgers,
		locations: locations,
		admission: admission,
		submitter: submitter,
		metrics:   m,
		clock:     clk,
	}
}

// pass describes how one ledger is dispatched.
type pass[T domain.Request] struct {
	ledger *ledger[T]
	// hold returns the requests of a page that must wait for a later pass.
	hold    func(ctx context.Context, page []T) (map[string]bool, error)
	prepare func(ctx context.Context, plugin storage.Plugin, page []T) (storage.Preparation, error)
}

// ScheduleJobs runs one pass over the requests of kind in status.
func (d *Dispatcher) ScheduleJobs(ctx context.Context, kind domain.RequestKind, status domain.RequestStatus) (DispatchReport, error) {
	if status == domain.StatusPending || status == domain.StatusDelayed {
		return DispatchReport{}, fmt.Errorf("%w: cannot dispatch %s requests", zerrors.ErrInvalidStatus, status)
	}

	d.passMu.Lock()
	defer d.passMu.Unlock()
	start := d.clock.Now()

	var (
		report DispatchReport
		err    error
	)
	switch kind {
	case domain.KindStorage:
		report, err = schedule(ctx, d, status, pass[*domain.StorageRequest]{
			ledger: &d.ledgers.Storage.ledger,
			prepare: func(ctx context.Context, p storage.Plugin, page []*domain.StorageRequest) (storage.Preparation, error) {
				return p.PrepareForStorage(ctx, page)
			},
		})
	case domain.KindDeletion:
		report, err = schedule(ctx, d, status, pass[*domain.DeletionRequest]{
			ledger: &d.ledgers.Deletion.ledger,
			hold:   d.holdCopiedDeletions,
			prepare: func(ctx context.Context, p storage.Plugin, page []*domain.DeletionRequest) (storage.Preparation, error) {
				return p.PrepareForDeletion(ctx, page)
			},
		})
	case domain.KindRestoration:
		report, err = schedule(ctx, d, status, pass[*domain.CacheRequest]{
			ledger: &d.ledgers.Restoration.ledger,
			hold:   d.holdInadmissible,
			prepare: func(ctx context.Context, p storage.Plugin, page []*domain.CacheRequest) (storage.Preparation, error) {
				return p.PrepareForRestoration(ctx, page)
			},
		})
	case domain.KindCopy:
		report, err = schedule(ctx, d, status, pass[*domain.CopyRequest]{
			ledger:  &d.ledgers.Copy.ledger,
			prepare: d.prepareCopies,
		})
	default:
		return DispatchReport{}, fmt.Errorf("unknown request kind %q", kind)
	}

	d.metrics.RecordPass(kind, report.Dispatched, report.Errored, report.Deferred, report.Jobs, d.clock.Now().Sub(start).Seconds())
	if report != (DispatchReport{}) {
		log.WithField("kind", kind).Infof("Dispatch pass: %d dispatched in %d jobs, %d errored, %d deferred",
			report.Dispatched, report.Jobs, report.Errored, report.Deferred)
	}
	return report, err
}

// RunOnce dispatches the TODO requests of every ledger. A failing ledger
// does not stop the others.
func (d *Dispatcher) RunOnce(ctx context.Context) DispatchReport {
	var total DispatchReport
	for _, kind := range domain.RequestKinds {
		report, err := d.ScheduleJobs(ctx, kind, domain.StatusTodo)
		if err != nil {
			log.WithField("kind", kind).Errorf("Dispatch pass failed: %v", err)
		}
		total.add(report)
	}
	return total
}

// Start runs RunOnce every interval until Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(ctx, d.stop, d.done)
	log.Infof("Dispatcher started, interval %s", d.cfg.Interval)
}

func (d *Dispatcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-d.clock.After(d.cfg.Interval):
			d.RunOnce(ctx)
		}
	}
}

// Stop ends the loop and waits for the running pass.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info("Dispatcher stopped")
}

func schedule[T domain.Request](ctx context.Context, d *Dispatcher, status domain.RequestStatus, p pass[T]) (DispatchReport, error) {
	var report DispatchReport
	storages, err := p.ledger.repo.ListStorages(ctx, status)
	if err != nil {
		return report, fmt.Errorf("failed to list %s storages: %w", p.ledger.kind, err)
	}

	for _, name := range storages {
		var afterSeq uint64
		for {
			page, err := p.ledger.repo.ListPage(ctx, name, status, afterSeq, d.cfg.PageSize)
			if err != nil {
				log.WithFields(log.Fields{"kind": p.ledger.kind, "storage": name}).Errorf("Failed to list requests: %v", err)
				break
			}
			if len(page) == 0 {
				break
			}
			afterSeq = page[len(page)-1].Header().Seq
			report.add(dispatchPage(ctx, d, name, status, page, p))
			if len(page) < d.cfg.PageSize {
				break
			}
		}
	}
	return report, ctx.Err()
}

func dispatchPage[T domain.Request](ctx context.Context, d *Dispatcher, name string, status domain.RequestStatus, page []T, p pass[T]) DispatchReport {
	var report DispatchReport
	fields := log.Fields{"kind": p.ledger.kind, "storage": name}
	fail := func(requestIDs []string, cause string) {
		if len(requestIDs) == 0 {
			return
		}
		if err := p.ledger.MarkError(ctx, requestIDs, cause); err != nil {
			log.WithFields(fields).Errorf("%v", err)
			return
		}
		report.Errored += len(requestIDs)
	}

	plugin, _, err := d.locations.Plugin(name)
	if err != nil {
		fail(ids(page), UnknownStorageCause(name))
		return report
	}

	if p.hold != nil {
		held, err := p.hold(ctx, page)
		if err != nil {
			log.WithFields(fields).Errorf("Failed to check held requests: %v", err)
			return report
		}
		var ready []T
		for _, req := range page {
			if held[req.Header().ID] {
				continue
			}
			ready = append(ready, req)
		}
		report.Deferred += len(page) - len(ready)
		page = ready
	}
	if len(page) == 0 {
		return report
	}

	prep, err := p.prepare(ctx, plugin, page)
	if err != nil {
		fail(ids(page), err.Error())
		return report
	}

	handled := make(map[string]bool, len(page))
	byCause := make(map[string][]string)
	for id, cause := range prep.Errors {
		handled[id] = true
		byCause[cause] = append(byCause[cause], id)
	}
	for _, cause := range sortedKeys(byCause) {
		fail(byCause[cause], cause)
	}

	for _, subset := range prep.Subsets {
		if len(subset) == 0 {
			continue
		}
		for _, id := range subset {
			handled[id] = true
		}
		jobID := uuid.NewString()
		if err := p.ledger.claim(ctx, subset, status, jobID); err != nil {
			if errors.Is(err, zerrors.ErrConflict) {
				// Claimed by a concurrent pass, or changed since listed.
				log.WithFields(fields).Warnf("Could not claim %d requests: %v", len(subset), err)
				continue
			}
			fail(subset, fmt.Sprintf("Failed to claim requests: %v", err))
			continue
		}
		job := domain.Job{
			ID:         jobID,
			Kind:       p.ledger.kind,
			Storage:    name,
			RequestIDs: subset,
			CreatedAt:  d.clock.Now().UTC(),
		}
		if err := d.submitter.Submit(ctx, job); err != nil {
			fail(subset, fmt.Sprintf("Failed to submit job: %v", err))
			continue
		}
		report.Dispatched += len(subset)
		report.Jobs++
	}

	var unhandled []string
	for _, req := range page {
		if !handled[req.Header().ID] {
			unhandled = append(unhandled, req.Header().ID)
		}
	}
	fail(unhandled, storage.UnhandledCause)
	return report
}

// holdInadmissible keeps back the restorations the cache cannot take yet.
func (d *Dispatcher) holdInadmissible(ctx context.Context, page []*domain.CacheRequest) (map[string]bool, error) {
	admitted, err := d.admission.CalculateAdmissible(ctx, page)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(page))
	for _, req := range page {
		held[req.ID] = true
	}
	for _, req := range admitted {
		delete(held, req.ID)
	}
	return held, nil
}

// holdCopiedDeletions keeps back deletions of files a running copy reads.
func (d *Dispatcher) holdCopiedDeletions(ctx context.Context, page []*domain.DeletionRequest) (map[string]bool, error) {
	checksums := make([]string, len(page))
	for i, req := range page {
		checksums[i] = req.Checksum
	}
	copies, err := d.ledgers.Copy.Search(ctx, repository.RequestFilter{
		Checksums: checksums,
		Statuses:  []domain.RequestStatus{domain.StatusPending},
	})
	if err != nil {
		return nil, err
	}
	copying := make(map[string]bool, len(copies))
	for _, c := range copies {
		copying[c.Checksum] = true
	}
	held := make(map[string]bool)
	for _, req := range page {
		if copying[req.Checksum] {
			held[req.ID] = true
		}
	}
	return held, nil
}

// prepareCopies chunks copies; the destination plugin only matters once the
// file is stored there.
func (d *Dispatcher) prepareCopies(ctx context.Context, _ storage.Plugin, page []*domain.CopyRequest) (storage.Preparation, error) {
	var prep storage.Preparation
	all := ids(page)
	for start := 0; start < len(all); start += d.cfg.RequestsPerJob {
		prep.Subsets = append(prep.Subsets, all[start:min(start+d.cfg.RequestsPerJob, len(all))])
	}
	return prep, nil
}
