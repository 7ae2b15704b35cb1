// Package app initializes and holds the long-lived services of the engine,
// acting as the dependency injection container main builds from.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/serverai/knowledge-engine/internal/api"
	bloblocal "github.com/serverai/knowledge-engine/internal/blob/local"
	"github.com/serverai/knowledge-engine/internal/bus"
	clocksystem "github.com/serverai/knowledge-engine/internal/clock/system"
	"github.com/serverai/knowledge-engine/internal/config"
	"github.com/serverai/knowledge-engine/internal/dispatcher"
	"github.com/serverai/knowledge-engine/internal/gateway"
	iduuid "github.com/serverai/knowledge-engine/internal/id/uuid"
	"github.com/serverai/knowledge-engine/internal/metrics"
	queuememory "github.com/serverai/knowledge-engine/internal/queue/memory"
	"github.com/serverai/knowledge-engine/internal/registry"
	"github.com/serverai/knowledge-engine/internal/snapshot"
	"github.com/serverai/knowledge-engine/internal/store"
	storememory "github.com/serverai/knowledge-engine/internal/store/memory"
	storepostgres "github.com/serverai/knowledge-engine/internal/store/postgres"
	"github.com/serverai/knowledge-engine/internal/worker"
)

// App holds every long-lived service. It is built once at startup and torn
// down in reverse order by Close.
type App struct {
	Bus        *bus.Bus
	Registry   *registry.Registry
	Snapshots  *snapshot.Service
	Gateway    *gateway.Gateway
	Dispatcher *dispatcher.Dispatcher
	API        *api.Server

	queue     *queuememory.Queue
	collector *metrics.Collector
	pgStore   *storepostgres.Store
	logger    *zap.Logger
}

// New builds the service graph from configuration. It fails fast when any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		taskStore    store.TaskStore
		articleStore store.ArticleStore
		pgStore      *storepostgres.Store
	)
	switch cfg.DB.Driver {
	case "postgres":
		pg, err := storepostgres.NewStore(ctx, storepostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
		logger.Info("using postgres store")
		taskStore, articleStore, pgStore = pg, pg, pg
	default:
		logger.Info("using in-memory store")
		mem := storememory.NewStore()
		taskStore, articleStore = mem, mem
	}

	eventBus := bus.New(cfg.Bus.Capacity, logger.Named("bus"))

	reg, err := registry.New(ctx, taskStore, eventBus, clocksystem.New(), iduuid.NewUUIDGenerator(), logger.Named("registry"))
	if err != nil {
		if pgStore != nil {
			pgStore.Close()
		}
		return nil, fmt.Errorf("init registry: %w", err)
	}

	promReg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(eventBus, promReg)
	if err != nil {
		if pgStore != nil {
			pgStore.Close()
		}
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	var archive worker.Archive
	if cfg.Storage.Path != "" {
		a, err := bloblocal.New(bloblocal.Config{BaseDir: cfg.Storage.Path})
		if err != nil {
			collector.Close()
			if pgStore != nil {
				pgStore.Close()
			}
			return nil, fmt.Errorf("init page archive: %w", err)
		}
		archive = a
	}

	queue := queuememory.NewQueue(cfg.Crawler.QueueDepth)
	workerCfg := worker.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		MaxPagesPerSite:   cfg.Crawler.MaxPagesPerSite,
		FetchTimeout:      cfg.FetchTimeout(),
	}
	workers := make([]*worker.Worker, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(
			i,
			queue,
			reg,
			articleStore,
			archive,
			eventBus,
			workerCfg,
			logger.Named("worker"),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	snapshots := snapshot.NewService(reg, eventBus, articleStore, cfg.Snapshot.RecentEvents)
	gw := gateway.New(eventBus, cfg.Grace(), logger.Named("gateway"))

	apiServer := api.NewServer(reg, articleStore, eventBus, snapshots, gw, dispatch, promReg, cfg, logger.Named("api"))

	return &App{
		Bus:        eventBus,
		Registry:   reg,
		Snapshots:  snapshots,
		Gateway:    gw,
		Dispatcher: dispatch,
		API:        apiServer,
		queue:      queue,
		collector:  collector,
		pgStore:    pgStore,
		logger:     logger,
	}, nil
}

// Close shuts services down in dependency order.
func (a *App) Close() {
	a.Gateway.Close()
	a.collector.Close()
	a.queue.Close()
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("application services closed")
}
