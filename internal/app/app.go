// Package app wires the configured store, locations and services into one
// running instance shared by the zref CLI and the zrefd daemon.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/cache"
	"github.com/zzenonn/zref/internal/config"
	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/jobs"
	"github.com/zzenonn/zref/internal/location"
	"github.com/zzenonn/zref/internal/metrics"
	"github.com/zzenonn/zref/internal/notify"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/repository/badgerdb"
	"github.com/zzenonn/zref/internal/repository/db"
	"github.com/zzenonn/zref/internal/repository/objectstore"
	"github.com/zzenonn/zref/internal/service"
	"github.com/zzenonn/zref/internal/storage"
)

// Options override what New would otherwise build from the config.
type Options struct {
	// Registerer receives the metrics. Defaults to a fresh registry.
	Registerer prometheus.Registerer
	Clock      clock.Clock
	// Publishers receive every event after the log publisher.
	Publishers []notify.Publisher
	// InMemory opens an in-memory badger store whatever the config says.
	InMemory bool
}

// App is one wired instance.
type App struct {
	Config   *config.Config
	Registry *location.Registry
	Factory  *objectstore.Factory
	Bus      *notify.Bus
	Cache    *cache.Service
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Database is only set on the dynamodb store.
	Database *db.DynamoDb
	Clock    clock.Clock

	References   *service.FileReferenceService
	Ledgers      service.Ledgers
	Availability *service.AvailabilityService
	Admission    *service.AdmissionController
	Dispatcher   *service.Dispatcher
	Retention    *service.RequestRetention
	Runner       *jobs.Runner

	closers []func() error
}

type repositories struct {
	refs       repository.FileReferenceRepository
	storage    repository.RequestRepository[*domain.StorageRequest]
	deletion   repository.RequestRepository[*domain.DeletionRequest]
	cache      repository.RequestRepository[*domain.CacheRequest]
	copy       repository.RequestRepository[*domain.CopyRequest]
	cacheFiles repository.CacheFileRepository
}

// New builds every component described by cfg. The runner lives until ctx is
// cancelled or Close is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	a := &App{Config: cfg, Clock: clk}

	repos, err := a.openStore(cfg, opts.InMemory)
	if err != nil {
		return nil, err
	}

	a.Factory = objectstore.NewFactory(cfg.AwsConfig, cfg.GcsClient)
	a.Registry = location.NewRegistry()
	if err := a.registerLocations(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}

	registerer := opts.Registerer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer = registry
		a.Gatherer = registry
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		a.Gatherer = g
	}
	a.Metrics = metrics.New(registerer)

	a.Bus = notify.NewBus(append([]notify.Publisher{notify.LogPublisher{}}, opts.Publishers...)...)
	a.Cache = cache.NewService(repos.cacheFiles, cfg.Cache.Dir, cfg.Cache.CapacityBytes, clk)

	storageRequests := service.NewStorageRequestService(repos.storage, repos.refs, repos.deletion, a.Bus, clk)
	deletionRequests := service.NewDeletionRequestService(repos.deletion, repos.refs, repos.cache, storageRequests, a.Bus, clk)
	cacheRequests := service.NewCacheRequestService(repos.cache, a.Cache, a.Bus, clk)
	a.Availability = service.NewAvailabilityService(repos.refs, a.Registry, a.Cache, cacheRequests, a.Bus, clk)
	expiration := time.Duration(cfg.Cache.ExpirationHours) * time.Hour
	copyRequests := service.NewCopyRequestService(repos.copy, repos.refs, storageRequests, a.Availability, a.Cache, expiration, a.Bus, clk)
	a.Bus.Subscribe(copyRequests.HandleEvent)

	a.Ledgers = service.Ledgers{
		Storage:     storageRequests,
		Deletion:    deletionRequests,
		Restoration: cacheRequests,
		Copy:        copyRequests,
	}
	a.References = service.NewFileReferenceService(repos.refs, storageRequests, deletionRequests, a.Registry, a.Bus, clk)
	a.Admission = service.NewAdmissionController(a.Cache, cacheRequests)

	a.Runner = jobs.NewRunner(ctx, cfg.Scheduler.Workers, a.Ledgers, a.Registry, storage.NewOrigins(a.Factory), a.Metrics, clk)
	a.Dispatcher = service.NewDispatcher(service.DispatcherConfig{
		PageSize:       cfg.Scheduler.PageSize,
		RequestsPerJob: cfg.Scheduler.RequestsPerJob,
		Interval:       cfg.Scheduler.Interval,
	}, a.Ledgers, a.Registry, a.Admission, a.Runner, a.Metrics, clk)
	a.Retention = service.NewRequestRetention(a.Ledgers, time.Duration(cfg.RequestExpirationDays)*24*time.Hour, clk)

	log.WithFields(log.Fields{
		"store":     cfg.Store.Type,
		"locations": len(cfg.Locations),
		"workers":   cfg.Scheduler.Workers,
	}).Debug("Application wired")
	return a, nil
}

func (a *App) openStore(cfg *config.Config, inMemory bool) (repositories, error) {
	if inMemory || cfg.Store.Type == "badger" {
		store, err := badgerdb.Open(badgerdb.StoreConfig{Dir: cfg.Store.BadgerDir, InMemory: inMemory})
		if err != nil {
			return repositories{}, err
		}
		a.closers = append(a.closers, store.Close)
		return repositories{
			refs:       badgerdb.NewFileReferenceRepository(store),
			storage:    badgerdb.NewStorageRequestRepository(store),
			deletion:   badgerdb.NewDeletionRequestRepository(store),
			cache:      badgerdb.NewCacheRequestRepository(store),
			copy:       badgerdb.NewCopyRequestRepository(store),
			cacheFiles: badgerdb.NewCacheFileRepository(store),
		}, nil
	}

	database, err := db.NewDatabase(cfg.AwsConfig, cfg.Store.TablePrefix)
	if err != nil {
		return repositories{}, err
	}
	a.Database = database
	return repositories{
		refs:       db.NewFileReferenceRepository(database),
		storage:    db.NewStorageRequestRepository(database),
		deletion:   db.NewDeletionRequestRepository(database),
		cache:      db.NewCacheRequestRepository(database),
		copy:       db.NewCopyRequestRepository(database),
		cacheFiles: db.NewCacheFileRepository(database),
	}, nil
}

func (a *App) registerLocations(cfg *config.Config) error {
	deps := storage.Deps{
		Factory:        a.Factory,
		RequestsPerJob: cfg.Scheduler.RequestsPerJob,
		Clock:          a.Clock,
	}
	for name, lc := range cfg.Locations {
		loc := domain.StorageLocation{
			Name:     name,
			Type:     domain.StorageType(lc.Type),
			Plugin:   lc.Plugin,
			Priority: lc.Priority,
			Enabled:  lc.Enabled,
			Params:   lc.Params,
		}
		plugin, err := storage.NewPlugin(loc, deps)
		if err != nil {
			return err
		}
		if err := a.Registry.Register(loc, plugin); err != nil {
			return err
		}
	}
	return nil
}

// Maintain purges expired cache files and old failed requests every
// interval until ctx is done.
func (a *App) Maintain(ctx context.Context, interval time.Duration) {
	for {
		a.maintainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-a.Clock.After(interval):
		}
	}
}

func (a *App) maintainOnce(ctx context.Context) {
	if _, err := a.Cache.Purge(ctx); err != nil {
		log.Errorf("Cache purge failed: %v", err)
	}
	if _, err := a.Retention.PurgeExpired(ctx); err != nil {
		log.Errorf("Request purge failed: %v", err)
	}
}

// Close stops the runner after its running jobs and closes the store.
func (a *App) Close() error {
	if a.Runner != nil {
		a.Runner.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
