// Package jobs executes the jobs the dispatcher submits. Each job moves the
// bytes of one working subset through its location's plugin and reports every
// request back to its ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/logging"
	"github.com/zzenonn/zref/internal/metrics"
	"github.com/zzenonn/zref/internal/service"
	"github.com/zzenonn/zref/internal/storage"
)

// ErrClosed is returned by Submit once the runner is closed.
var ErrClosed = errors.New("job runner is closed")

// Opener opens the origin URL of a storage request.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Runner is a bounded worker pool implementing service.JobSubmitter.
type Runner struct {
	ledgers   service.Ledgers
	locations service.Locations
	origins   Opener
	metrics   *metrics.Metrics
	clock     clock.Clock

	// jobs run under ctx, not under the context of the dispatch pass
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

func NewRunner(ctx context.Context, workers int, ledgers service.Ledgers, locations service.Locations, origins Opener, m *metrics.Metrics, clk clock.Clock) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if clk == nil {
		clk = clock.WallClock
	}
	ctx, cancel := context.WithCancel(ctx)
	group := &errgroup.Group{}
	group.SetLimit(workers)
	return &Runner{
		ledgers:   ledgers,
		locations: locations,
		origins:   origins,
		metrics:   m,
		clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
	}
}

// Submit queues job. It blocks while every worker is busy.
func (r *Runner) Submit(ctx context.Context, job domain.Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.group.Go(func() error {
		r.Run(r.ctx, job)
		return nil
	})
	return nil
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// Close refuses new jobs and waits for the running ones.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Wait()
	r.cancel()
}

// Run executes job synchronously.
func (r *Runner) Run(ctx context.Context, job domain.Job) {
	done := r.metrics.JobStarted(job.Kind)
	start := r.clock.Now()
	defer func() { done(r.clock.Now().Sub(start).Seconds()) }()

	fields := log.Fields{"job": job.ID, "kind": job.Kind, "storage": job.Storage}
	log.WithFields(fields).Debugf("Running job with %d requests", len(job.RequestIDs))

	if job.Kind == domain.KindCopy {
		if err := r.ledgers.Copy.StartCopies(ctx, job.RequestIDs); err != nil {
			log.WithFields(fields).Errorf("Failed to start copies: %v", err)
		}
		return
	}

	plugin, _, err := r.locations.Plugin(job.Storage)
	if err != nil {
		// Disabled since dispatch.
		r.failAll(ctx, job, service.UnknownStorageCause(job.Storage))
		return
	}

	for _, id := range job.RequestIDs {
		if ctx.Err() != nil {
			log.WithFields(fields).Warnf("Job interrupted: %v", ctx.Err())
			return
		}
		var err error
		switch job.Kind {
		case domain.KindStorage:
			err = r.store(ctx, plugin, id)
		case domain.KindDeletion:
			err = r.delete(ctx, plugin, id)
		case domain.KindRestoration:
			err = r.restore(ctx, plugin, id)
		default:
			err = fmt.Errorf("unknown request kind %q", job.Kind)
		}
		if err != nil {
			log.WithFields(fields).Errorf("Failed to report request %s: %v", id, err)
		}
	}
}

func (r *Runner) failAll(ctx context.Context, job domain.Job, cause string) {
	var err error
	switch job.Kind {
	case domain.KindStorage:
		err = r.ledgers.Storage.MarkError(ctx, job.RequestIDs, cause)
	case domain.KindDeletion:
		err = r.ledgers.Deletion.MarkError(ctx, job.RequestIDs, cause)
	case domain.KindRestoration:
		err = r.ledgers.Restoration.MarkError(ctx, job.RequestIDs, cause)
	}
	if err != nil {
		log.WithField("job", job.ID).Errorf("%v", err)
	}
	for range job.RequestIDs {
		r.metrics.RecordResult(job.Kind, false)
	}
}

// gone reports requests removed while the job was queued; they are skipped.
func gone(err error, kind domain.RequestKind, id string) bool {
	if !zerrors.IsNotFound(err) {
		return false
	}
	log.Warnf("Skipping %s request %s: %v", kind, id, err)
	return true
}

func (r *Runner) store(ctx context.Context, plugin storage.Plugin, id string) error {
	req, err := r.ledgers.Storage.Get(ctx, id)
	if gone(err, domain.KindStorage, id) {
		return nil
	}
	if err != nil {
		return err
	}

	body, err := r.open(ctx, req)
	if err != nil {
		r.metrics.RecordResult(domain.KindStorage, false)
		return r.ledgers.Storage.HandleFailure(ctx, id, fmt.Sprintf("Cannot read origin %s: %v", req.OriginURL, err))
	}
	counted := &countingReader{r: body}
	url, err := plugin.Store(ctx, req, counted)
	body.Close()
	if err != nil {
		log.WithFields(logging.RequestFields(string(domain.KindStorage), id, req.Storage, req.Checksum)).Warnf("Storage failed: %v", err)
		r.metrics.RecordResult(domain.KindStorage, false)
		return r.ledgers.Storage.HandleFailure(ctx, id, err.Error())
	}

	r.metrics.RecordResult(domain.KindStorage, true)
	r.metrics.RecordStored(counted.n)
	log.WithFields(logging.FileFields(req.Storage, req.Checksum)).Infof("Stored %d bytes at %s", counted.n, url)
	return r.ledgers.Storage.HandleSuccess(ctx, id, url, counted.n)
}

// open reads origins on object stores and local disks directly. Erasure-coded
// origins are rebuilt by the plugin of the location that holds them.
func (r *Runner) open(ctx context.Context, req *domain.StorageRequest) (io.ReadCloser, error) {
	rest, ok := strings.CutPrefix(req.OriginURL, "erasure://")
	if !ok {
		return r.origins.Open(ctx, req.OriginURL)
	}
	name, _, _ := strings.Cut(rest, "/")
	plugin, _, err := r.locations.Plugin(name)
	if err != nil {
		return nil, err
	}
	return plugin.Retrieve(ctx, domain.FileReference{
		MetaInfo: req.MetaInfo,
		Location: domain.FileLocation{Storage: name, URL: req.OriginURL},
	})
}

func (r *Runner) delete(ctx context.Context, plugin storage.Plugin, id string) error {
	req, err := r.ledgers.Deletion.Get(ctx, id)
	if gone(err, domain.KindDeletion, id) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := plugin.Delete(ctx, req.FileReference); err != nil {
		log.WithFields(logging.RequestFields(string(domain.KindDeletion), id, req.Storage, req.Checksum)).Warnf("Deletion failed: %v", err)
		r.metrics.RecordResult(domain.KindDeletion, false)
		return r.ledgers.Deletion.HandleFailure(ctx, id, err.Error())
	}
	r.metrics.RecordResult(domain.KindDeletion, true)
	return r.ledgers.Deletion.HandleSuccess(ctx, id)
}

func (r *Runner) restore(ctx context.Context, plugin storage.Plugin, id string) error {
	req, err := r.ledgers.Restoration.Get(ctx, id)
	if gone(err, domain.KindRestoration, id) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := plugin.Restore(ctx, req.FileReference, req.Destination); err != nil {
		log.WithFields(logging.RequestFields(string(domain.KindRestoration), id, req.Storage, req.Checksum)).Warnf("Restoration failed: %v", err)
		r.metrics.RecordResult(domain.KindRestoration, false)
		return r.ledgers.Restoration.HandleFailure(ctx, id, err.Error())
	}
	r.metrics.RecordResult(domain.KindRestoration, true)
	return r.ledgers.Restoration.HandleSuccess(ctx, id)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
